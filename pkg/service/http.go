package service

import (
	"fmt"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/duoroom/signaling-server/pkg/protocol"
	"github.com/duoroom/signaling-server/pkg/variables"
)

type httpServer_Params struct {
	fx.In

	Controllers []protocol.HttpResolvable `group:"http.controller"`
	Logger      *slog.Logger
	Registry    *prometheus.Registry
}

func httpErrorHandler(e *echo.Echo, logger *slog.Logger) func(err error, c echo.Context) {
	return func(err error, c echo.Context) {
		logger.Error(err.Error(), slog.String("request", fmt.Sprintf("%+v", c.Request())))
		e.DefaultHTTPErrorHandler(err, c)
	}
}

func NewRouter(params httpServer_Params) (*echo.Echo, error) {
	router := echo.New()
	router.HTTPErrorHandler = httpErrorHandler(router, params.Logger)
	router.Use(middleware.Recover())
	router.Use(middleware.CORS())

	// for K8s probe
	router.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	// for Prometheus metrics
	router.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(params.Registry, promhttp.HandlerOpts{})))

	for _, controller := range params.Controllers {
		if err := controller.Resolve(router); err != nil {
			return nil, err
		}
	}
	return router, nil
}

func httpServer(router *echo.Echo) {
	router.Logger.Fatal(router.Start(fmt.Sprintf(":%s", variables.Env(variables.HTTP_PORT_NAME, variables.HTTP_PORT_DEFAULT))))
}

func NewMetricsRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

var HttpModule = fx.Module("http",
	fx.Provide(
		NewRouter,
		NewMetricsRegistry,
		func(r *prometheus.Registry) prometheus.Registerer { return r },
	),
	fx.Invoke(httpServer),
)
