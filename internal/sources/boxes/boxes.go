// Package boxes receives readings from deployed sensor boxes over a NATS
// subject. The boxes publish one JSON message per reading cycle carrying
// their device id, position and a flat map of measured values; messages
// are decoded into batches and handed to the pipeline sink as they
// arrive.
package boxes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"mobility_hub/internal/config"
	"mobility_hub/internal/feed"
	"mobility_hub/internal/sources"
)

// SourceName is the namespace box entities are stored under.
const SourceName = "boxes"

func init() {
	sources.RegisterPush(SourceName, func(cfg config.Source, log zerolog.Logger) (sources.Pusher, error) {
		return New(cfg, log)
	})
}

// Pusher subscribes to the box subject on one NATS server.
type Pusher struct {
	url     string
	subject string
	user    string
	pass    string
	log     zerolog.Logger
}

// New builds a boxes listener from its source configuration.
func New(cfg config.Source, log zerolog.Logger) (*Pusher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("boxes: broker url not configured")
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "boxes.>"
	}
	return &Pusher{
		url:     cfg.URL,
		subject: subject,
		user:    cfg.User,
		pass:    cfg.Password,
		log:     log,
	}, nil
}

func (p *Pusher) Source() string { return SourceName }

// Listen connects to the broker and feeds every decodable message to the
// sink. It blocks until the context is cancelled; undecodable messages
// are logged and dropped, sink failures are logged and do not stop the
// subscription.
func (p *Pusher) Listen(ctx context.Context, sink sources.Sink) error {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	if p.user != "" {
		opts = append(opts, nats.UserInfo(p.user, p.pass))
	}

	nc, err := nats.Connect(p.url, opts...)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(p.subject, func(msg *nats.Msg) {
		batch, err := DecodeMessage(msg.Data)
		if err != nil {
			p.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable box message")
			return
		}
		if batch.Empty() {
			return
		}
		if err := sink(ctx, batch); err != nil {
			p.log.Error().Err(err).Str("subject", msg.Subject).Msg("could not process box message")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", p.subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	p.log.Info().Str("subject", p.subject).Msg("listening for box messages")
	<-ctx.Done()
	return ctx.Err()
}

// payload is one box reading cycle. The data map mixes measured values
// with the box position.
type payload struct {
	DeviceID   feed.ExternalID          `json:"device_id"`
	MeasuredAt string                   `json:"measured_at"`
	Data       map[string]feed.RawValue `json:"data"`
}

// DecodeMessage turns one box message into a batch: the box as sensor,
// one identifier-less stream per measured value and one observation each.
// The lat and lon entries position the box and never become streams.
func DecodeMessage(data []byte) (feed.Batch, error) {
	var batch feed.Batch

	var pl payload
	if err := json.Unmarshal(data, &pl); err != nil {
		return batch, fmt.Errorf("decode payload: %w", err)
	}
	if pl.DeviceID.IsZero() {
		return batch, fmt.Errorf("payload carries no device id")
	}

	timestamp, err := feed.ParseTimestamp(pl.MeasuredAt, time.UTC)
	if err != nil {
		return batch, fmt.Errorf("parse measured_at: %w", err)
	}

	sensor := feed.ObservedSensor{
		Source:     SourceName,
		ExternalID: pl.DeviceID,
	}
	lon, lonOK := pl.Data["lon"].Float()
	lat, latOK := pl.Data["lat"].Float()
	if lonOK && latOK {
		sensor.Geometry = feed.PointGeometry(lon, lat)
	}
	batch.Sensors = append(batch.Sensors, sensor)

	for key, value := range pl.Data {
		if key == "lat" || key == "lon" {
			continue
		}
		ds := feed.ObservedDatastream{
			SensorExternalID: pl.DeviceID,
			Category:         key,
		}
		batch.Datastreams = append(batch.Datastreams, ds)
		batch.Observations = append(batch.Observations, feed.Observation{
			Key:       ds.Key(),
			Timestamp: timestamp,
			Value:     value,
		})
	}

	return batch, nil
}
