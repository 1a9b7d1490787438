// Package export writes stored records back out as NVD API 2.0 style JSON
// documents, one file per entity type.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/nvdsync/internal/domain/scap"
	"github.com/ahrav/nvdsync/pkg/common/logger"
	"github.com/ahrav/nvdsync/pkg/common/timeutil"
)

const (
	apiVersion      = "2.0"
	timestampLayout = "2006-01-02T15:04:05.000"

	// flushThreshold bounds how much encoded output is buffered in memory.
	flushThreshold = 256 << 10
)

// layout describes the response envelope of one entity type.
type layout struct {
	file       string
	format     string
	collection string
	member     string
}

var layouts = map[scap.EntityType]layout{
	scap.EntityTypeCVE:      {file: "nvd-cves", format: "NVD_CVE", collection: "vulnerabilities", member: "cve"},
	scap.EntityTypeCPE:      {file: "nvd-cpes", format: "NVD_CPE", collection: "products", member: "cpe"},
	scap.EntityTypeCPEMatch: {file: "nvd-cpe-matches", format: "NVD_CPEMatchString", collection: "matchStrings", member: "matchString"},
}

func layoutFor(t scap.EntityType) (layout, error) {
	l, ok := layouts[t]
	if !ok {
		return layout{}, &scap.ConfigurationError{Field: "entity_type", Err: fmt.Errorf("no export format for %q", t)}
	}
	return l, nil
}

// FileName returns the name of the export file for t.
func FileName(t scap.EntityType, compress bool) string {
	l, err := layoutFor(t)
	if err != nil {
		return ""
	}
	if compress {
		return l.file + ".json.gz"
	}
	return l.file + ".json"
}

// Result summarizes one exported file.
type Result struct {
	Type    scap.EntityType
	Path    string
	Records int64
}

// Exporter streams stored records into JSON documents.
type Exporter struct {
	entities scap.EntityRepository
	clock    timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// NewExporter creates an Exporter reading from entities.
func NewExporter(entities scap.EntityRepository, clock timeutil.Provider, log *logger.Logger, tracer trace.Tracer) *Exporter {
	return &Exporter{
		entities: entities,
		clock:    clock,
		logger:   log.With("component", "exporter"),
		tracer:   tracer,
	}
}

// Encode writes every stored record of type t to w as a single response
// document and returns the number of records written. Records are read one
// at a time, so memory use does not grow with the table.
func (x *Exporter) Encode(ctx context.Context, t scap.EntityType, w io.Writer) (int64, error) {
	l, err := layoutFor(t)
	if err != nil {
		return 0, err
	}

	ctx, span := x.tracer.Start(ctx, "exporter.encode",
		trace.WithAttributes(attribute.String("entity_type", t.String())))
	defer span.End()

	total, err := x.entities.Count(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("counting %s records: %w", t, err)
	}

	stream := jsoniter.NewStream(jsoniter.ConfigDefault, w, flushThreshold)
	stream.WriteObjectStart()
	stream.WriteObjectField("resultsPerPage")
	stream.WriteInt64(total)
	stream.WriteMore()
	stream.WriteObjectField("startIndex")
	stream.WriteInt(0)
	stream.WriteMore()
	stream.WriteObjectField("totalResults")
	stream.WriteInt64(total)
	stream.WriteMore()
	stream.WriteObjectField("format")
	stream.WriteString(l.format)
	stream.WriteMore()
	stream.WriteObjectField("version")
	stream.WriteString(apiVersion)
	stream.WriteMore()
	stream.WriteObjectField("timestamp")
	stream.WriteString(x.clock.Now().UTC().Format(timestampLayout))
	stream.WriteMore()
	stream.WriteObjectField(l.collection)
	stream.WriteArrayStart()

	var written int64
	err = x.entities.Walk(ctx, t, func(e scap.Entity) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if written > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectStart()
		stream.WriteObjectField(l.member)
		stream.WriteRaw(string(e.Payload))
		stream.WriteObjectEnd()
		written++

		if stream.Buffered() >= flushThreshold {
			return stream.Flush()
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return written, fmt.Errorf("exporting %s records: %w", t, err)
	}

	stream.WriteArrayEnd()
	stream.WriteObjectEnd()
	if err := stream.Flush(); err != nil {
		return written, fmt.Errorf("flushing %s export: %w", t, err)
	}

	if written != total {
		// Rows changed between the count and the walk.
		x.logger.Warn(ctx, "record count changed during export",
			"entity_type", t,
			"counted", total,
			"written", written,
		)
	}
	span.SetAttributes(attribute.Int64("records", written))
	span.SetStatus(codes.Ok, "exported")
	return written, nil
}

// WriteFile exports t into dir, gzip compressed when compress is set. The
// file only appears under its final name once it is complete.
func (x *Exporter) WriteFile(ctx context.Context, t scap.EntityType, dir string, compress bool) (Result, error) {
	if _, err := layoutFor(t); err != nil {
		return Result{}, err
	}
	name := FileName(t, compress)
	path := filepath.Join(dir, name)
	started := x.clock.Now()

	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return Result{}, fmt.Errorf("creating export file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return Result{}, fmt.Errorf("setting export file mode: %w", err)
	}

	var (
		out io.Writer = tmp
		gz  *gzip.Writer
	)
	if compress {
		gz = gzip.NewWriter(tmp)
		gz.Name = strings.TrimSuffix(name, ".gz")
		out = gz
	}

	n, err := x.Encode(ctx, t, out)
	if gz != nil {
		err = errors.Join(err, gz.Close())
	}
	err = errors.Join(err, tmp.Close())
	if err != nil {
		return Result{}, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Result{}, fmt.Errorf("moving export into place: %w", err)
	}

	x.logger.Info(ctx, "export written",
		"entity_type", t,
		"path", path,
		"records", n,
		"duration", x.clock.Now().Sub(started).Round(time.Millisecond).String(),
	)
	return Result{Type: t, Path: path, Records: n}, nil
}
