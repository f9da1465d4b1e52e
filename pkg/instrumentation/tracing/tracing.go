// Copyright The Accel Resource Manager Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing exports OpenTelemetry traces of the daemon to an OTLP
// collector.
package tracing

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	logger "github.com/intel/accel-resmgr/pkg/log"
	"github.com/intel/accel-resmgr/pkg/version"
)

// Option is an option for tracing.
type Option func(*tracing) error

type tracing struct {
	service  string
	identity []attribute.KeyValue
	endpoint string
	sampling float64
	timeout  time.Duration
	provider *sdktrace.TracerProvider
}

const defaultShutdownTimeout = 5 * time.Second

var (
	log = logger.Get("tracing")
	trc = &tracing{
		service: filepath.Base(os.Args[0]),
		timeout: defaultShutdownTimeout,
	}
)

// WithCollectorEndpoint sets the collector endpoint. An empty endpoint
// disables tracing.
func WithCollectorEndpoint(endpoint string) Option {
	return func(t *tracing) error {
		t.endpoint = endpoint
		return nil
	}
}

// WithSamplingRatio sets the ratio of sampled traces.
func WithSamplingRatio(ratio float64) Option {
	return func(t *tracing) error {
		if ratio < 0.0 || ratio > 1.0 {
			return errors.Errorf("tracing: invalid sampling ratio %f", ratio)
		}
		t.sampling = ratio
		return nil
	}
}

// WithServiceName sets the service name reported in traces.
func WithServiceName(name string) Option {
	return func(t *tracing) error {
		t.service = name
		return nil
	}
}

// WithIdentity sets extra resource attributes.
func WithIdentity(attributes ...KeyValue) Option {
	return func(t *tracing) error {
		t.identity = attributes
		return nil
	}
}

// WithShutdownTimeout bounds the time spent flushing spans on Stop.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(t *tracing) error {
		if timeout > 0 {
			t.timeout = timeout
		}
		return nil
	}
}

// Start tracing, stopping any earlier exporter first.
func Start(options ...Option) error {
	return trc.start(options...)
}

// Stop tracing, flushing pending spans.
func Stop() {
	trc.shutdown()
}

// Enabled returns true if spans are being exported.
func Enabled() bool {
	return trc.provider != nil
}

func (t *tracing) start(options ...Option) error {
	t.shutdown()

	for _, opt := range options {
		if err := opt(t); err != nil {
			return err
		}
	}

	switch {
	case t.endpoint == "":
		log.Info("tracing disabled, no collector endpoint")
		return nil
	case t.sampling == 0.0:
		log.Info("tracing disabled, sampling ratio is 0")
		return nil
	}

	exporter, err := newExporter(t.endpoint)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		append(
			[]attribute.KeyValue{
				semconv.ServiceName(t.service),
				semconv.ServiceVersion(version.Version),
				semconv.HostName(hostname),
				semconv.ProcessPID(os.Getpid()),
				attribute.String("build", version.Build),
			},
			t.identity...,
		)...,
	)

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(
			sdktrace.ParentBased(sdktrace.TraceIDRatioBased(t.sampling)),
		),
	)

	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	log.Info("exporting traces to %s, sampling ratio %g", t.endpoint, t.sampling)

	return nil
}

func (t *tracing) shutdown() {
	if t.provider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	if err := t.provider.ForceFlush(ctx); err != nil {
		log.Error("failed to flush spans: %v", err)
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		log.Error("failed to shut down tracer provider: %v", err)
	}

	t.provider = nil
}

// newExporter creates an OTLP exporter for an endpoint. A plain scheme
// selects the exporter defaults, localhost:4318 for HTTP and
// localhost:4317 for gRPC.
func newExporter(endpoint string) (sdktrace.SpanExporter, error) {
	var (
		u   *url.URL
		err error
	)

	switch endpoint {
	case "otlp-http", "http", "otlp-grpc", "grpc":
		u = &url.URL{Scheme: endpoint}
	default:
		u, err = url.Parse(endpoint)
		if err != nil {
			return nil, errors.Wrapf(err, "tracing: invalid endpoint %q", endpoint)
		}
	}

	switch u.Scheme {
	case "otlp-http", "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if u.Host != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(u.Host))
		}
		if u.Path != "" && u.Path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(u.Path))
		}
		return otlptracehttp.New(context.Background(), opts...)
	case "otlp-grpc", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
		if u.Host != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(u.Host))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	}

	return nil, errors.Errorf("tracing: unsupported endpoint %q", endpoint)
}
