package natslog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
	"github.com/mcdev12/spellingbee/go/internal/quiz/replog"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const (
	HeaderContentType = "Content-Type"
	HeaderRoom        = "Quiz-Room"
	HeaderKey         = "Quiz-Key"
	HeaderType        = "Quiz-Type"
)

type Config struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	Codec           envelope.Codec
	MaxAge          time.Duration // retention window of room logs
	Replicas        int
	DuplicateWindow time.Duration // JetStream Nats-Msg-Id dedup window
	MaxReconnects   int
	ReconnectWait   time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "QUIZ_ROOMS",
		SubjectPrefix:   "quiz.rooms",
		Codec:           envelope.JSONCodec{},
		MaxAge:          24 * time.Hour,
		Replicas:        1,
		DuplicateWindow: 2 * time.Minute,
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
	}
}

var _ replog.Backend = (*Backend)(nil)

// Backend stores each room on its own subject of a single JetStream stream.
type Backend struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg Config
}

// New connects to NATS and creates or updates the room stream.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Codec == nil {
		cfg.Codec = envelope.JSONCodec{}
	}
	if cfg.DuplicateWindow > cfg.MaxAge && cfg.MaxAge > 0 {
		cfg.DuplicateWindow = cfg.MaxAge
	}

	opts := []nats.Option{
		nats.Name("spellingbee"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	b := &Backend{nc: nc, js: js, cfg: cfg}
	if err := b.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return b, nil
}

func (b *Backend) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        b.cfg.StreamName,
		Description: "Replicated spelling bee room logs",
		Subjects:    []string{b.cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      b.cfg.MaxAge,
		MaxMsgs:     -1,
		Storage:     jetstream.FileStorage,
		Replicas:    b.cfg.Replicas,
		Duplicates:  b.cfg.DuplicateWindow,
	}
}

func (b *Backend) ensureStream(ctx context.Context) error {
	sc := b.streamConfig()

	stream, err := b.js.Stream(ctx, b.cfg.StreamName)
	if err != nil {
		if _, err = b.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", b.cfg.StreamName).Msg("created JetStream stream")
		return nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !streamConfigEqual(info.Config, sc) {
		if _, err = b.js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().Str("stream", b.cfg.StreamName).Msg("updated JetStream stream")
	}
	return nil
}

// Subject returns the subject a room is stored on.
func (b *Backend) Subject(room string) string {
	return Subject(b.cfg.SubjectPrefix, room)
}

// Subject maps a room id to a single subject token under prefix. Characters
// that are not legal in a token are replaced with '_'.
func Subject(prefix, room string) string {
	token := strings.Map(func(r rune) rune {
		switch {
		case r == '.', r == '*', r == '>', r <= ' ', r == 0x7f:
			return '_'
		}
		return r
	}, room)
	if token == "" {
		token = "_"
	}
	return prefix + "." + token
}

func (b *Backend) Append(ctx context.Context, entry envelope.Entry) (envelope.Entry, error) {
	data, err := b.cfg.Codec.Marshal(entry)
	if err != nil {
		return envelope.Entry{}, fmt.Errorf("marshal entry: %w", err)
	}

	subject := b.Subject(entry.Room)
	ack, err := b.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			HeaderContentType: []string{b.cfg.Codec.ContentType()},
			HeaderRoom:        []string{entry.Room},
			HeaderKey:         []string{entry.Key},
			HeaderType:        []string{string(entry.Payload.Type)},
		},
	},
		jetstream.WithMsgID(entry.Key),
		jetstream.WithExpectStream(b.cfg.StreamName),
	)
	if err != nil {
		return envelope.Entry{}, fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("key", entry.Key).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("appended room entry")

	// PubAck carries no timestamp; tails read the server time from metadata.
	entry.InsertedAt = time.Now().UTC()
	return entry, nil
}

// Tail starts an ordered consumer on the room subject beginning at its last
// message.
func (b *Backend) Tail(ctx context.Context, room string, fn func(envelope.Entry)) (replog.Subscription, error) {
	subject := b.Subject(room)

	cons, err := b.js.OrderedConsumer(ctx, b.cfg.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverLastPerSubjectPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		entry, err := decode(msg)
		if err != nil {
			log.Warn().
				Err(err).
				Str("subject", msg.Subject()).
				Msg("dropping undecodable room entry")
			return
		}
		fn(entry)
	})
	if err != nil {
		return nil, fmt.Errorf("start consumer: %w", err)
	}

	log.Info().Str("subject", subject).Msg("tailing room")

	t := &Tail{cc: cc}
	t.stopAfter = context.AfterFunc(ctx, cc.Stop)
	return t, nil
}

// Tail is a running ordered consumer.
type Tail struct {
	cc        jetstream.ConsumeContext
	stopAfter func() bool
}

func (t *Tail) Stop() error {
	t.stopAfter()
	t.cc.Stop()
	return nil
}

func decode(msg jetstream.Msg) (envelope.Entry, error) {
	headers := msg.Headers()

	codec, err := envelope.CodecFor(headers.Get(HeaderContentType))
	if err != nil {
		return envelope.Entry{}, err
	}
	entry, err := codec.Unmarshal(msg.Data())
	if err != nil {
		return envelope.Entry{}, err
	}

	if entry.Room == "" {
		entry.Room = headers.Get(HeaderRoom)
	}
	if entry.Key == "" {
		entry.Key = headers.Get(HeaderKey)
	}
	if meta, err := msg.Metadata(); err == nil {
		entry.InsertedAt = meta.Timestamp
	}
	return entry, nil
}

func (b *Backend) Close() error {
	if b.nc == nil {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

func streamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates &&
		len(a.Subjects) == 1 && len(b.Subjects) == 1 &&
		a.Subjects[0] == b.Subjects[0]
}
