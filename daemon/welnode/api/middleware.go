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
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hoyack/archon72-sub009/logging"
)

// MakeLogger returns an echo middleware that logs one line per request.
func MakeLogger(log logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			res := c.Response()
			log.WithFields(logging.Fields{
				"method":  req.Method,
				"path":    req.URL.Path,
				"status":  res.Status,
				"elapsed": time.Since(start).String(),
			}).Info("api")
			return nil
		}
	}
}

// MakeConnectionLimiter caps concurrent in-flight requests. The cap is a
// hard limit applied identically to every caller; requests beyond it get
// 429 without queueing.
func MakeConnectionLimiter(limit uint64) echo.MiddlewareFunc {
	slots := make(chan struct{}, limit)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			select {
			case slots <- struct{}{}:
				defer func() { <-slots }()
				return next(c)
			default:
				return echo.NewHTTPError(http.StatusTooManyRequests, "connection limit exceeded")
			}
		}
	}
}
