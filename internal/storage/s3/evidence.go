package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"chainsight/internal/incident"
)

// CompressionType defines compression algorithms for evidence bundles.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
)

// BundleVersion is the current evidence bundle format version.
const BundleVersion = "1.0.0"

// Bundle is the archived form of one incident: the full snapshot with its
// evidence references, wrapped with archive metadata.
type Bundle struct {
	BundleVersion string             `json:"bundle_version"`
	ArchivedAt    time.Time          `json:"archived_at"`
	Incident      *incident.Incident `json:"incident"`
}

// ArchiverConfig configures the evidence archiver.
type ArchiverConfig struct {
	// Compression algorithm for bundle bodies.
	Compression CompressionType `json:"compression" yaml:"compression"`

	// StorageClass for archived bundles.
	StorageClass string `json:"storage_class" yaml:"storage_class"`

	// PathTemplate for bundle keys (supports {pattern}, {date}, {id}).
	PathTemplate string `json:"path_template" yaml:"path_template"`
}

// DefaultArchiverConfig returns default archiver configuration.
func DefaultArchiverConfig() *ArchiverConfig {
	return &ArchiverConfig{
		Compression:  CompressionGzip,
		StorageClass: "INTELLIGENT_TIERING",
		PathTemplate: "{pattern}/{date}/{id}.json.gz",
	}
}

type archiverMetrics struct {
	bundlesArchived atomic.Int64
	bytesArchived   atomic.Int64
	errors          atomic.Int64
}

// Archiver writes incident evidence bundles to S3. Bundle keys are
// derived from the incident's pattern, creation date, and ID, so
// re-archiving an updated incident overwrites its previous bundle and the
// newest snapshot wins.
type Archiver struct {
	client  *Client
	config  *ArchiverConfig
	logger  *slog.Logger
	metrics *archiverMetrics
}

// NewArchiver creates a new evidence archiver.
func NewArchiver(client *Client, cfg *ArchiverConfig, logger *slog.Logger) *Archiver {
	return &Archiver{
		client:  client,
		config:  cfg,
		logger:  logger,
		metrics: &archiverMetrics{},
	}
}

// Archive uploads one incident snapshot as an evidence bundle and returns
// the bundle key (relative to the client's prefix).
func (a *Archiver) Archive(ctx context.Context, inc *incident.Incident) (string, error) {
	bundle := &Bundle{
		BundleVersion: BundleVersion,
		ArchivedAt:    time.Now().UTC(),
		Incident:      inc,
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		a.metrics.errors.Add(1)
		return "", fmt.Errorf("s3: failed to marshal bundle for %s: %w", inc.ID, err)
	}

	body, err := a.compress(data)
	if err != nil {
		a.metrics.errors.Add(1)
		return "", fmt.Errorf("s3: failed to compress bundle for %s: %w", inc.ID, err)
	}

	key := a.bundleKey(inc)

	contentType := "application/json"
	if a.config.Compression == CompressionGzip {
		contentType = "application/gzip"
	}

	_, err = a.client.Upload(ctx, &UploadInput{
		Key:          key,
		Body:         bytes.NewReader(body),
		ContentType:  contentType,
		StorageClass: a.config.StorageClass,
		Metadata: map[string]string{
			"incident-id":   inc.ID,
			"pattern-id":    inc.PatternID,
			"entity-key":    inc.EntityKey,
			"confidence":    string(inc.Confidence),
			"compression":   string(a.config.Compression),
			"original-size": strconv.Itoa(len(data)),
		},
	})
	if err != nil {
		a.metrics.errors.Add(1)
		return "", err
	}

	a.metrics.bundlesArchived.Add(1)
	a.metrics.bytesArchived.Add(int64(len(body)))

	a.logger.Debug("archived evidence bundle",
		"incident_id", inc.ID,
		"pattern_id", inc.PatternID,
		"key", key,
		"bytes", len(body),
	)

	return key, nil
}

// Fetch downloads and decodes one bundle by key.
func (a *Archiver) Fetch(ctx context.Context, key string) (*Bundle, error) {
	output, err := a.client.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()

	raw, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to read bundle %s: %w", key, err)
	}

	data, err := a.decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to decompress bundle %s: %w", key, err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("s3: failed to decode bundle %s: %w", key, err)
	}

	return &bundle, nil
}

// ListDay lists bundles archived for one pattern on one day.
func (a *Archiver) ListDay(ctx context.Context, patternID string, day time.Time) ([]ObjectInfo, error) {
	prefix := a.config.PathTemplate
	prefix = strings.ReplaceAll(prefix, "{pattern}", patternID)
	prefix = strings.ReplaceAll(prefix, "{date}", day.UTC().Format("2006/01/02"))
	if idx := strings.Index(prefix, "{id}"); idx >= 0 {
		prefix = prefix[:idx]
	}
	return a.client.List(ctx, prefix, 0)
}

// Delete removes one bundle by key.
func (a *Archiver) Delete(ctx context.Context, key string) error {
	return a.client.Delete(ctx, key)
}

// bundleKey builds the object key for an incident's bundle. The key is
// stable across updates of the same incident.
func (a *Archiver) bundleKey(inc *incident.Incident) string {
	key := a.config.PathTemplate
	key = strings.ReplaceAll(key, "{pattern}", inc.PatternID)
	key = strings.ReplaceAll(key, "{date}", inc.CreatedAt.UTC().Format("2006/01/02"))
	key = strings.ReplaceAll(key, "{id}", inc.ID)
	return path.Clean(key)
}

// compress compresses data using the configured algorithm.
func (a *Archiver) compress(data []byte) ([]byte, error) {
	switch a.config.Compression {
	case CompressionGzip:
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return nil, err
		}
		if err := gz.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return data, nil
	}
}

// decompress reverses compress, sniffing the gzip magic bytes so bundles
// written with either setting decode.
func (a *Archiver) decompress(data []byte) ([]byte, error) {
	if !isGzip(data) {
		return data, nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

func isGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}

// ArchiverMetrics contains archiver metrics.
type ArchiverMetrics struct {
	BundlesArchived int64
	BytesArchived   int64
	Errors          int64
}

// GetMetrics returns current archiver metrics.
func (a *Archiver) GetMetrics() ArchiverMetrics {
	return ArchiverMetrics{
		BundlesArchived: a.metrics.bundlesArchived.Load(),
		BytesArchived:   a.metrics.bytesArchived.Load(),
		Errors:          a.metrics.errors.Load(),
	}
}
