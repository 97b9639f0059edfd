// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// Package rest exposes the Coordinator pipeline as a small gin-based HTTP
// job API: POST a JSON engine.Config plus pixel data, get back a
// reconstruction summary.
package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/mlnoga/qlensgo/internal/deflector"
	"github.com/mlnoga/qlensgo/internal/engine"
)

// jobRequest is the POST body for /api/v1/job: an engine.Config plus the
// observed pixel data. Lens-model fitting stays out of scope, so the
// job just names one of the small set of fixed analytic forward maps in
// internal/deflector.
type jobRequest struct {
	Config engine.Config `json:"config"`
	SB [][]float64 `json:"sb"`
	Mask [][]bool `json:"mask,omitempty"`
	DeflectorKind string `json:"deflectorKind"` // "identity" (default), "sis", "pointmass"
	DeflectorX0 float64 `json:"deflectorX0"`
	DeflectorY0 float64 `json:"deflectorY0"`
	DeflectorThetaE float64 `json:"deflectorThetaE"`
}

// jobResponse summarizes a completed reconstruction.
type jobResponse struct {
	NActiveSource int `json:"nActiveSource"`
	NActiveImage int `json:"nActiveImage"`
	LogDetF float64 `json:"logDetF,omitempty"`
	LogDetR float64 `json:"logDetR,omitempty"`
	HasLogDetF bool `json:"hasLogDetF"`
	HasLogDetR bool `json:"hasLogDetR"`
	SourceSB []float64 `json:"sourceSB"`
}

// Serve starts the HTTP job API on the given port.
func Serve(port int) {
	r := gin.Default()
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/job", postJob)
			v1.StaticFS("/files", http.Dir("."))
		}
	}
	r.Run(fmt.Sprintf(":%d", port))
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

func resolveDeflector(req jobRequest) (engine.Deflector, error) {
	switch req.DeflectorKind {
	case "", "identity":
		return deflector.Identity{}, nil
	case "sis":
		return deflector.SIS{X0: req.DeflectorX0, Y0: req.DeflectorY0, ThetaE: req.DeflectorThetaE}, nil
	case "pointmass":
		return deflector.PointMass{X0: req.DeflectorX0, Y0: req.DeflectorY0, ThetaE: req.DeflectorThetaE}, nil
	default:
		return nil, fmt.Errorf("rest: unknown deflectorKind %q", req.DeflectorKind)
	}
}

func postJob(c *gin.Context) {
	defer debug.FreeOSMemory()

	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	logWriter := c.Writer
	header := logWriter.Header()
	header.Set("Content-Type", "text/plain")
	logWriter.WriteHeader(http.StatusOK)

	if m, err := json.MarshalIndent(req.Config, "", " "); err == nil {
		fmt.Fprintf(logWriter, "Config:\n%s\n\n", string(m))
	}

	defl, err := resolveDeflector(req)
	if err != nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err.Error())
		return
	}

	coord, err := engine.NewCoordinator(req.Config, defl, logWriter)
	if err != nil {
		fmt.Fprintf(logWriter, "Error creating coordinator: %s\n", err.Error())
		return
	}

	if err := coord.Run(engine.PixelData{SB: req.SB, Mask: req.Mask}); err != nil {
		fmt.Fprintf(logWriter, "Error running reconstruction: %s\n", err.Error())
		return
	}

	resp := jobResponse{
		NActiveSource: coord.SrcGrid.NActive,
		NActiveImage: coord.ImgGrid.NActive,
		LogDetF: coord.LogDetF,
		LogDetR: coord.LogDetR,
		HasLogDetF: coord.HasLogDetF,
		HasLogDetR: coord.HasLogDetR,
		SourceSB: coord.S,
	}
	m, err := json.MarshalIndent(resp, "", " ")
	if err != nil {
		fmt.Fprintf(logWriter, "Error marshaling response: %s\n", err.Error())
		return
	}
	fmt.Fprintf(logWriter, "Result:\n%s\n", string(m))
	if f, ok := logWriter.(http.Flusher); ok {
		f.Flush()
	}
}
