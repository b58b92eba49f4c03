// Package influx mirrors gateway values into InfluxDB.
package influx

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"xsense-go-home/internal/tree"
)

// Config selects the InfluxDB bucket.
type Config struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

const defaultMeasurement = "xsense"

// pointWriter is the part of api.WriteAPI the sink uses.
type pointWriter interface {
	WritePoint(p *write.Point)
}

// Sink is a tree.ValueTree that writes numeric and boolean values as points.
// Writes are batched and never block the caller.
type Sink struct {
	client      influxdb2.Client
	writer      pointWriter
	flush       func()
	measurement string
	logger      *slog.Logger
	now         func() time.Time
	done        chan struct{}
}

// New connects a sink. The client retries and batches in the background.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.URL == "" || cfg.Bucket == "" {
		return nil, errors.New("influx: url and bucket are required")
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(500).SetFlushInterval(5000))
	w := client.WriteAPI(cfg.Org, cfg.Bucket)

	s := newSink(w, cfg.Measurement, logger)
	s.client = client
	s.flush = w.Flush
	go s.drainErrors(w)
	return s, nil
}

func newSink(w pointWriter, measurement string, logger *slog.Logger) *Sink {
	if measurement == "" {
		measurement = defaultMeasurement
	}
	return &Sink{
		writer:      w,
		measurement: measurement,
		logger:      logger.With("component", "influx"),
		now:         time.Now,
		done:        make(chan struct{}),
	}
}

func (s *Sink) drainErrors(w api.WriteAPI) {
	for {
		select {
		case <-s.done:
			return
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			s.logger.Warn("write failed", "err", err)
		}
	}
}

// UpsertValue queues a point for a numeric or boolean value. Other values
// are ignored.
func (s *Sink) UpsertValue(path string, kind tree.Kind, value any) error {
	if p := s.pointFor(path, kind, value); p != nil {
		s.writer.WritePoint(p)
	}
	return nil
}

// Close flushes pending points and closes the client.
func (s *Sink) Close() {
	if s.flush != nil {
		s.flush()
	}
	close(s.done)
	if s.client != nil {
		s.client.Close()
	}
}

// pointFor builds the point for one value. house_, station_ and device_
// segments become tags; the rest of the path is the field key.
func (s *Sink) pointFor(path string, kind tree.Kind, value any) *write.Point {
	v, ok := fieldValue(kind, value)
	if !ok {
		return nil
	}
	tags := make(map[string]string)
	var field []string
	for _, seg := range strings.Split(path, "/") {
		switch {
		case strings.HasPrefix(seg, "house_"):
			tags["house"] = strings.TrimPrefix(seg, "house_")
		case strings.HasPrefix(seg, "station_"):
			tags["station"] = strings.TrimPrefix(seg, "station_")
		case strings.HasPrefix(seg, "device_"):
			tags["device"] = strings.TrimPrefix(seg, "device_")
		case seg != "":
			field = append(field, seg)
		}
	}
	if len(field) == 0 {
		return nil
	}
	return write.NewPoint(s.measurement, tags, map[string]any{strings.Join(field, "_"): v}, s.now())
}

func fieldValue(kind tree.Kind, value any) (any, bool) {
	switch kind {
	case tree.KindBool:
		b, ok := value.(bool)
		return b, ok
	case tree.KindInt, tree.KindFloat:
		switch x := value.(type) {
		case int64:
			return float64(x), true
		case int:
			return float64(x), true
		case float64:
			return x, true
		}
	}
	return nil, false
}
