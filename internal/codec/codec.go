// Package codec compresses large envelope payloads with zstd and inverts the
// transform on receipt.
package codec

import (
	"encoding/base64"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/dgnsrekt/karaoke-sync/internal/metrics"
	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

const (
	DefaultThreshold      = 1024
	DefaultMaxMessageSize = 1 << 20 // 1MB

	// Compressed output must be below this fraction of the original to be used.
	benefitRatio = 0.8
)

// Config controls when payloads are compressed.
type Config struct {
	Enabled        bool
	Threshold      int
	MaxMessageSize int
}

// Codec is safe for concurrent use.
type Codec struct {
	cfg     Config
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *zap.Logger
}

// New creates a Codec. Zero values in cfg fall back to defaults.
func New(cfg Config, logger *zap.Logger) (*Codec, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(cfg.MaxMessageSize)))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Codec{cfg: cfg, encoder: enc, decoder: dec, logger: logger}, nil
}

// Compress returns env with its payload compressed when that is worthwhile.
// The input envelope is never modified.
func (c *Codec) Compress(env *wire.Envelope) (*wire.Envelope, error) {
	if env.Compressed {
		return env, nil
	}
	if len(env.Payload) > c.cfg.MaxMessageSize {
		return nil, syncerr.Protocol(fmt.Sprintf("payload of %d bytes exceeds max %d", len(env.Payload), c.cfg.MaxMessageSize), nil)
	}
	if !c.cfg.Enabled || len(env.Payload) < c.cfg.Threshold {
		return env, nil
	}

	frame := c.encoder.EncodeAll(env.Payload, nil)
	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(frame))
	if err != nil {
		return nil, syncerr.Protocol("marshal compressed payload", err)
	}

	if float64(len(encoded)) >= benefitRatio*float64(len(env.Payload)) {
		c.logger.Debug("compression skipped, no benefit",
			zap.String("event", env.Event),
			zap.Int("original", len(env.Payload)),
			zap.Int("compressed", len(encoded)),
		)
		return env, nil
	}

	metrics.CodecBytesSaved.Add(float64(len(env.Payload) - len(encoded)))

	out := *env
	out.Payload = encoded
	out.Compressed = true
	out.OriginalSize = len(env.Payload)
	return &out, nil
}

// Decompress inverts Compress. Envelopes without the compressed marker pass
// through unchanged.
func (c *Codec) Decompress(env *wire.Envelope) (*wire.Envelope, error) {
	if !env.Compressed {
		return env, nil
	}
	if env.OriginalSize <= 0 || env.OriginalSize > c.cfg.MaxMessageSize {
		return nil, syncerr.Protocol(fmt.Sprintf("invalid original size %d", env.OriginalSize), nil)
	}

	var b64 string
	if err := json.Unmarshal(env.Payload, &b64); err != nil {
		return nil, syncerr.Protocol("compressed payload is not a string", err)
	}
	frame, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, syncerr.Protocol("decode base64 payload", err)
	}
	raw, err := c.decoder.DecodeAll(frame, make([]byte, 0, env.OriginalSize))
	if err != nil {
		return nil, syncerr.Protocol("decode zstd payload", err)
	}
	if len(raw) != env.OriginalSize {
		return nil, syncerr.Protocol(fmt.Sprintf("decoded %d bytes, expected %d", len(raw), env.OriginalSize), nil)
	}

	out := *env
	out.Payload = raw
	out.Compressed = false
	out.OriginalSize = 0
	return &out, nil
}

// Close releases encoder and decoder resources.
func (c *Codec) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
