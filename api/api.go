/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"net/http"

	"github.com/blnkfinance/caseflow"
	"github.com/blnkfinance/caseflow/api/middleware"
	"github.com/blnkfinance/caseflow/config"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Api struct {
	caseflow *caseflow.Caseflow
	router   *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/messages", a.IngestMessage)
	router.GET("/messages", a.QueryMessages)
	router.GET("/messages/stats", a.MessageStats)
	router.GET("/messages/stuck", a.StuckMessages)
	router.POST("/messages/state", a.ChangeMessageState)
	router.GET("/messages/:id", a.GetMessage)

	router.GET("/health/liveness", a.Liveness)
	router.GET("/health/readiness", a.Readiness)
	router.GET("/health/messages", a.MessageHealth)
	return router
}

func NewAPI(c *caseflow.Caseflow) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	if conf.EnableTelemetry {
		r.Use(otelgin.Middleware(conf.ProjectName))
	}
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{caseflow: c, router: r}
}
