// Copyright 2026 immersivetranslate
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

// Package telemetry exposes the tracer this module's subsystems use for
// span instrumentation. It only calls the OpenTelemetry API. Wiring an
// actual exporter/SDK is the embedding host's job, not this library's;
// without one, otel's no-op tracer is used and spans are simply dropped.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName identifies this module's spans in whatever tracer
// provider the embedding host configures.
const instrumentationName = "github.com/immersivetranslate/dispatch-core"

// Tracer returns the module-wide tracer. Call otel.SetTracerProvider in
// the embedding host before this is first used if real spans are wanted;
// otherwise every span is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
