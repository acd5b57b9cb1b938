// Copyright (C) 2026 Hoyack Labs
// This file is part of welcore
//
// welcore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// welcore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with welcore.  If not, see <https://www.gnu.org/licenses/>.

package api

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/node"
)

// NewRouter builds the echo instance with every route bound.
func NewRouter(n *node.WelcoreNode, log logging.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(MakeLogger(log))
	e.Use(MakeConnectionLimiter(n.Config().RestConnectionsHardLimit))

	h := &Handlers{Node: n, Log: log}

	e.POST("/v1/records", h.AppendRecord)
	e.GET("/v1/records", h.GetRecords)
	e.GET("/v1/records/:seq", h.GetRecord)
	e.GET("/v1/records/:seq/proof", h.GetProof)

	e.GET("/v1/checkpoints", h.GetCheckpoints)
	e.GET("/v1/checkpoints/latest", h.GetLatestCheckpoint)

	e.GET("/v1/halt", h.GetHalt)
	e.GET("/v1/halt/ws", h.HaltFeed)
	e.GET("/v1/halt/anomalies", h.GetHaltAnomalies)

	e.GET("/v1/schemas", h.GetSchemas)
	e.POST("/v1/schemas", h.RegisterSchema)

	e.GET("/v1/status", h.GetStatus)

	e.POST("/v1/recovery", h.OpenRecovery)
	e.GET("/v1/recovery", h.GetRecovery)
	e.POST("/v1/recovery/:id/branch", h.ProposeBranch)
	e.POST("/v1/recovery/:id/vote", h.Vote)
	e.POST("/v1/recovery/:id/complete", h.CompleteRecovery)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}
