package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/voicehome/intenthub/internal/config"
	"github.com/voicehome/intenthub/internal/core/registry"

	"github.com/asynkron/protoactor-go/actor"
	_ "github.com/joho/godotenv/autoload"
)

type Server struct {
	port           uint
	httpLog        bool
	rootContext    *actor.RootContext
	hubActor       *actor.PID
	registry       *registry.Registry
	requestTimeout time.Duration
}

func NewServer(cfg config.Config, rootContext *actor.RootContext, hubActor *actor.PID, reg *registry.Registry) *http.Server {
	NewServer := &Server{
		port:           cfg.Port,
		rootContext:    rootContext,
		hubActor:       hubActor,
		registry:       reg,
		httpLog:        cfg.HttpLog,
		requestTimeout: cfg.Dispatch.OverallDeadline() + 5*time.Second,
	}

	// Declare Server config
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", NewServer.port),
		Handler:      NewServer.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return server
}
