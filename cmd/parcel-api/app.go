package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	packagesapi "github.com/BearBump/ParcelWatch/internal/api/packages_api"
	"github.com/BearBump/ParcelWatch/internal/broker/kafka"
	"github.com/BearBump/ParcelWatch/internal/broker/messages"
	"github.com/BearBump/ParcelWatch/internal/bus"
	"github.com/BearBump/ParcelWatch/internal/metrics"
	"github.com/BearBump/ParcelWatch/internal/services/ingest"
	"github.com/BearBump/ParcelWatch/internal/services/stall"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// healthService is the name reported SERVING by the gRPC health server.
const healthService = "parcelwatch.Ingestion"

const consumeRetryDelay = time.Second

type parcelAPIOpts struct {
	grpcAddr    string
	httpAddr    string
	swaggerPath string

	statusTopic        string
	notificationsTopic string
	consumerGroup      string

	onListen func(grpcAddr, httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type kafkaPublisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type parcelAPIDeps struct {
	engine    *ingest.Engine
	api       *packagesapi.PackagesAPI
	scheduler *stall.Scheduler
	hub       *bus.Hub

	// Both nil when Kafka is disabled.
	consumer kafkaConsumer
	producer kafkaPublisher
}

func runParcelAPI(ctx context.Context, opts parcelAPIOpts, d parcelAPIDeps) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}
	metrics.Register()

	grpcLis, err := net.Listen("tcp", opts.grpcAddr)
	if err != nil {
		return err
	}
	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		_ = grpcLis.Close()
		return err
	}

	if opts.onListen != nil {
		opts.onListen(grpcLis.Addr().String(), httpLis.Addr().String())
	}

	grpcErr := make(chan error, 1)
	go func() {
		grpcErr <- runGRPCServer(ctx, grpcLis)
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runGatewayServer(ctx, httpLis, grpcLis.Addr().String(), opts.swaggerPath, d.api)
	}()

	go func() {
		slog.Info("stall scheduler started")
		_ = d.scheduler.Run(ctx)
	}()

	if d.producer != nil {
		fwd := kafka.NewForwarder(d.hub.Subscribe(bus.TopicDispatchers), d.producer, opts.notificationsTopic)
		go func() {
			slog.Info("notification forwarder started", "topic", opts.notificationsTopic)
			_ = fwd.Run(ctx)
		}()
	}
	if d.consumer != nil {
		go runIntake(ctx, d.consumer, d.engine, opts)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-grpcErr:
		return err
	case err := <-httpErr:
		return err
	}
}

// runIntake consumes status reports until ctx is done. Handler failures are
// retried inside Consume; only fetch and commit failures end up here.
func runIntake(ctx context.Context, consumer kafkaConsumer, engine *ingest.Engine, opts parcelAPIOpts) {
	slog.Info("kafka consumer started", "topic", opts.statusTopic, "group", opts.consumerGroup)
	handler := intakeHandler(ctx, engine)
	for {
		err := consumer.Consume(ctx, handler)
		if ctx.Err() != nil {
			return
		}
		slog.Error("kafka consumer stopped, restarting", "topic", opts.statusTopic, "error", fmt.Sprint(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(consumeRetryDelay):
		}
	}
}

// intakeHandler feeds Kafka status reports to the engine. Malformed and
// invalid reports are skipped; storage failures are returned so the consumer
// retries the same message.
func intakeHandler(ctx context.Context, engine *ingest.Engine) func(key, value []byte) error {
	return func(_ []byte, value []byte) error {
		report, err := messages.DecodeStatusReport(value)
		if err != nil {
			return errors.Wrap(kafka.ErrSkipMessage, err.Error())
		}
		res, err := engine.Ingest(ctx, report)
		if err != nil {
			var verr *ingest.ValidationError
			if errors.As(err, &verr) {
				return errors.Wrap(kafka.ErrSkipMessage, verr.Error())
			}
			return err
		}
		slog.Debug("status report ingested", "package_id", res.PackageID, "event_id", res.EventID, "outcome", res.Outcome)
		return nil
	}
}

func runGRPCServer(ctx context.Context, lis net.Listener) error {
	s := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			s.Stop()
		}
		_ = lis.Close()
	}()

	slog.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.Serve(lis)
}

func runGatewayServer(ctx context.Context, lis net.Listener, grpcAddr, swaggerPath string, api *packagesapi.PackagesAPI) error {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return errors.Wrap(err, "dial grpc")
	}
	defer conn.Close()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, swaggerPath)
	})
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger.json"),
	))
	r.Handle("/metrics", promhttp.Handler())

	mux := runtime.NewServeMux(runtime.WithHealthzEndpoint(healthpb.NewHealthClient(conn)))
	if err := api.Register(mux); err != nil {
		return err
	}
	r.Mount("/", mux)

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP gateway listening", "addr", lis.Addr().String())
	return srv.Serve(lis)
}
