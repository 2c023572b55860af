// Package api serves the operator HTTP interface of the event server.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"lightguide/internal/fanout"
	"lightguide/internal/store"
	"lightguide/internal/stream"
)

// Options configures the router.
type Options struct {
	Version string
	// UploadLimit caps a package upload in bytes.
	UploadLimit int64
	// Debug enables gin's debug mode.
	Debug bool
}

// Store is the persistence the handlers need. *store.Store satisfies it.
type Store interface {
	SavePackage(name, file string, size int64) (store.PackageRecord, error)
	ListPackages() ([]store.PackageRecord, error)
	MarkInstalled(name string) (store.PackageRecord, error)
	DeletePackage(name string) (store.PackageRecord, error)
	GetSettings() (map[string]string, error)
	Setting(key string) (string, error)
	PutSetting(key, value string) error
}

// API holds the handlers' dependencies.
type API struct {
	store  Store
	reg    *fanout.Registry
	stream *stream.Handler
	opts   Options
	log    zerolog.Logger
}

// New builds the gin engine with every route registered.
func New(st Store, reg *fanout.Registry, events *stream.Handler, opts Options, log zerolog.Logger) *gin.Engine {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if opts.UploadLimit <= 0 {
		opts.UploadLimit = 100 << 20
	}

	a := &API{
		store:  st,
		reg:    reg,
		stream: events,
		opts:   opts,
		log:    log.With().Str("component", "api").Logger(),
	}

	r := gin.New()
	r.Use(requestID(), requestLogger(a.log), recovery(a.log))
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	r.GET("/events", a.stream.Handle)

	api := r.Group("/api")
	api.GET("/version", a.version)
	api.GET("/channels", a.channels)

	packages := api.Group("/packages")
	packages.GET("", a.listPackages)
	packages.POST("/upload", a.uploadPackage)
	packages.POST("/:name/install", a.installPackage)
	packages.POST("/:name/remove", a.removePackage)

	api.GET("/settings", a.getSettings)
	api.PUT("/settings", a.putSettings)

	return r
}

func (a *API) version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": a.opts.Version})
}

type channelInfo struct {
	Key         string `json:"key"`
	Subscribers int    `json:"subscribers"`
}

func (a *API) channels(c *gin.Context) {
	keys := a.reg.Keys()
	out := make([]channelInfo, 0, len(keys))
	for _, key := range keys {
		out = append(out, channelInfo{Key: key, Subscribers: a.reg.Receivers(key)})
	}
	c.JSON(http.StatusOK, out)
}

func abortError(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
