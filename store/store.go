// Package store is the document-store layer of the importer. It owns the two
// reference collections ("toc" for data files, "metadata" for metadata files),
// the dynamically named data collections they point at, and every round-trip
// the sync engine makes: reference lookup and journaling, the unsync/purge
// invalidation cascade, day-range queries, bulk row inserts, and the
// consolidation aggregates.
//
// Every round-trip goes through a bounded retry policy with jitter; state
// transitions are designed to stay safe under at-least-once replay, so a
// failed run is recovered by simply running again.
package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/dpdash/dpimport/probe"
)

const (
	tocCollection      = "toc"
	metadataCollection = "metadata"
)

// ConnConfig carries the connection boundary supplied by the CLI/config
// layer. Field names mirror the YAML config keys.
type ConnConfig struct {
	Hostname   string `yaml:"hostname"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	AuthSource string `yaml:"auth_source"`

	SSLCertFile string `yaml:"ssl_certfile"`
	SSLKeyFile  string `yaml:"ssl_keyfile"`
	SSLCAFile   string `yaml:"ssl_ca_certs"`
}

// URI renders the connection string, credentials escaped.
func (c ConnConfig) URI() string {
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/%s",
		url.QueryEscape(c.Username), url.QueryEscape(c.Password),
		c.Hostname, c.Port, c.AuthSource)
}

// Store wraps a single database handle plus the retry policy applied to
// every round-trip.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	retry  RetryConfig
}

// Option configures a Store.
type Option func(*Store)

// WithRetry overrides the default round-trip retry policy.
func WithRetry(cfg RetryConfig) Option {
	return func(s *Store) { s.retry = cfg }
}

// Connect establishes the client connection, verifies it with a ping, and
// returns a Store bound to dbname. Connection failure is fatal to the run:
// nothing useful can happen without the store.
func Connect(ctx context.Context, cfg ConnConfig, dbname string, opts ...Option) (*Store, error) {
	clientOpts := options.Client().ApplyURI(cfg.URI())

	if cfg.SSLCertFile != "" || cfg.SSLCAFile != "" {
		tlsCfg, err := tlsConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		clientOpts.SetTLSConfig(tlsCfg)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect %s:%d: %w", cfg.Hostname, cfg.Port, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping %s:%d: %w", cfg.Hostname, cfg.Port, err)
	}

	s := &Store{
		client: client,
		db:     client.Database(dbname),
		retry:  DefaultRetry(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func tlsConfig(cfg ConnConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.SSLCertFile != "" {
		pair, err := tls.LoadX509KeyPair(cfg.SSLCertFile, cfg.SSLKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{pair}
	}

	if cfg.SSLCAFile != "" {
		pem, err := os.ReadFile(cfg.SSLCAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca bundle %s: no certificates found", cfg.SSLCAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// refCollection returns the reference collection for a role: data files are
// indexed in "toc", metadata files in "metadata".
func (s *Store) refCollection(role probe.Role) *mongo.Collection {
	if role == probe.RoleMetadata {
		return s.db.Collection(metadataCollection)
	}
	return s.db.Collection(tocCollection)
}

// TOCRecord is the persisted projection of a FileProbe: one document per
// known file path, in "toc" for data files and "metadata" for metadata
// files. At most one record exists per path.
type TOCRecord struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	Path       string             `bson:"path"`
	Basename   string             `bson:"basename"`
	Dirname    string             `bson:"dirname"`
	Glob       string             `bson:"glob"`
	Filetype   string             `bson:"filetype,omitempty"`
	Encoding   string             `bson:"encoding,omitempty"`
	Role       string             `bson:"role"`
	Study      string             `bson:"study"`
	Subject    string             `bson:"subject,omitempty"`
	Assessment string             `bson:"assessment,omitempty"`
	TimeUnits  string             `bson:"time_units,omitempty"`
	TimeStart  int                `bson:"time_start"`
	TimeEnd    int                `bson:"time_end"`
	Collection string             `bson:"collection"`
	Size       int64              `bson:"size"`
	Mtime      int64              `bson:"mtime"`
	UID        int                `bson:"uid"`
	GID        int                `bson:"gid"`
	Mode       uint32             `bson:"mode"`
	Dirty      bool               `bson:"dirty"`
	Synced     bool               `bson:"synced"`
	Updated    time.Time          `bson:"updated,omitempty"`
}

// NewTOCRecord projects a probe into its reference document. The record
// starts dirty and unsynced; only a confirmed journal commit flips that.
func NewTOCRecord(p *probe.FileProbe) *TOCRecord {
	return &TOCRecord{
		Path:       p.Path,
		Basename:   p.Basename,
		Dirname:    p.Dirname,
		Glob:       p.Glob,
		Filetype:   p.Filetype,
		Encoding:   p.Encoding,
		Role:       p.Identity.Role.String(),
		Study:      p.Identity.Study,
		Subject:    p.Identity.Subject,
		Assessment: p.Identity.Assessment,
		TimeUnits:  p.Identity.TimeUnits,
		TimeStart:  p.Identity.TimeStart,
		TimeEnd:    p.Identity.TimeEnd,
		Collection: p.Identity.Collection,
		Size:       p.Size,
		Mtime:      p.Mtime,
		UID:        p.UID,
		GID:        p.GID,
		Mode:       p.Mode,
		Dirty:      true,
		Synced:     false,
	}
}
