package internal

import (
	"context"
	"crypto/ed25519"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

func Main(
	logger *slog.Logger,
	ctx context.Context,
	cfg *Config,
	rdb *redis.Client,
) (chi.Router, error) {
	privateKey := ed25519.PrivateKey(cfg.PrivateKey)
	signer := NewRequestSigner(privateKey, cfg.InstanceID)

	var verifier RequestVerifier
	if cfg.AlertPublicKey != "" {
		alertKey, err := DecodePublicKey(cfg.AlertPublicKey)
		if err != nil {
			return nil, err
		}

		verifier = NewRequestVerifier(alertKey)
	}

	registry := NewRegistry(logger)
	fanout := NewFanout(logger, registry)

	var forwarder Forwarder
	var inference *InferenceClient
	if cfg.InferenceURL != "" {
		inference = NewInferenceClient(ctx, logger, cfg.InferenceURL, cfg.InferenceTimeout, cfg.InferenceConcurrency, signer)
		forwarder = inference
	}

	var mirror Mirror
	if cfg.MQTTBroker != "" {
		m, err := ConnectMQTT(logger, cfg.MQTTBroker, cfg.InstanceID, cfg.MQTTTopicPrefix, cfg.MQTTConnectTimeout)
		if err != nil {
			return nil, err
		}

		go func() {
			<-ctx.Done()
			m.Close()
		}()

		mirror = m
	}

	relay := NewRouter(logger, registry, fanout, forwarder, mirror)

	bus := NewEventBus(rdb, cfg.EventChannel, cfg.InstanceID)
	if err := bus.Subscribe(ctx, logger, relay); err != nil {
		return nil, err
	}

	join := JoinRoute(logger, rdb, registry, relay, cfg.JoinOptions())

	router := chi.NewRouter()
	router.Use(mid(cfg.InstanceID))
	router.Use(middleware.Recoverer)
	router.Get("/health", health())
	router.Get("/stats", stats(cfg.InstanceID, registry, inference))
	router.Get("/.well-known/public.txt", PublicKeyRoute(privateKey))
	router.Get("/", join)
	router.Get("/ws", join)
	router.Post("/api/alert", AlertRoute(logger, NewRedisAlertStore(rdb), bus.AlertPublisher(relay), verifier, cfg.AlertMaxBytes))

	return router, nil
}

func health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}

type statsResponse struct {
	Instance  string          `json:"instance"`
	Registry  RegistryStats   `json:"registry"`
	Inference *InferenceStats `json:"inference,omitempty"`
}

func stats(instanceID string, registry *Registry, inference *InferenceClient) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := statsResponse{Instance: instanceID, Registry: registry.Stats()}
		if inference != nil {
			s := inference.Stats()
			res.Inference = &s
		}

		writeJSON(w, http.StatusOK, res)
	}
}

func mid(instanceID string) func(http.Handler) http.Handler {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", "camrelay")
			w.Header().Set("Instance-ID", instanceID)
			handler.ServeHTTP(w, r)
		})
	}
}
