package network

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/star/farpoint/internal/body"
	"github.com/star/farpoint/internal/geodesy"
)

// maxCatalogBytes bounds remote catalog downloads.
const maxCatalogBytes = 10 * 1024 * 1024

// Source loads a complete catalog.
type Source interface {
	Name() string
	Load(ctx context.Context) (*Catalog, error)
}

// FileSource reads a catalog in line format from disk.
type FileSource struct {
	path   string
	logger *slog.Logger
}

// NewFileSource creates a FileSource for path.
func NewFileSource(path string, logger *slog.Logger) *FileSource {
	return &FileSource{path: path, logger: logger}
}

func (f *FileSource) Name() string { return "file:" + f.path }

func (f *FileSource) Load(_ context.Context) (*Catalog, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("opening station file: %w", err)
	}
	defer file.Close()

	networks, err := Parse(file, f.logger)
	if err != nil {
		return nil, err
	}
	return NewCatalog(f.Name(), networks), nil
}

// HTTPSource fetches a catalog in line format over HTTP.
type HTTPSource struct {
	url        string
	httpClient *http.Client
	snapshots  *Snapshots
	logger     *slog.Logger
}

// NewHTTPSource creates an HTTPSource for url.
func NewHTTPSource(url string, logger *slog.Logger) *HTTPSource {
	return &HTTPSource{
		url: url,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

func (h *HTTPSource) Name() string { return h.url }

// WithSnapshots makes Load save every successful fetch to s and fall back
// to the newest snapshot when the remote is unavailable.
func (h *HTTPSource) WithSnapshots(s *Snapshots) *HTTPSource {
	h.snapshots = s
	return h
}

// Fetch performs an HTTP GET and returns the raw catalog. Bodies larger
// than maxCatalogBytes are rejected.
func (h *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching station catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, h.url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(data) > maxCatalogBytes {
		return nil, fmt.Errorf("station catalog exceeds %d byte limit", maxCatalogBytes)
	}
	return data, nil
}

func (h *HTTPSource) Load(ctx context.Context) (*Catalog, error) {
	data, err := h.Fetch(ctx)
	if err != nil {
		if h.snapshots == nil {
			return nil, err
		}
		return h.loadSnapshot(err)
	}

	networks, err := Parse(bytes.NewReader(data), h.logger)
	if err != nil {
		return nil, err
	}
	c := NewCatalog(h.Name(), networks)

	if h.snapshots != nil && len(networks) > 0 {
		if err := h.snapshots.Save(data, c.LoadedAt); err != nil {
			h.logger.Warn("failed to save catalog snapshot", "dir", h.snapshots.Dir(), "error", err)
		}
	}
	return c, nil
}

// loadSnapshot serves the newest snapshot after fetchErr. The catalog keeps
// the snapshot time as LoadedAt so its age reflects the stale data.
func (h *HTTPSource) loadSnapshot(fetchErr error) (*Catalog, error) {
	data, taken, err := h.snapshots.Latest()
	if err != nil {
		return nil, errors.Join(fetchErr, err)
	}
	networks, err := Parse(bytes.NewReader(data), h.logger)
	if err != nil {
		return nil, errors.Join(fetchErr, err)
	}

	h.logger.Warn("station catalog fetch failed, using snapshot",
		"url", h.url,
		"snapshot_time", taken,
		"error", fetchErr,
	)
	c := NewCatalog("snapshot:"+h.url, networks)
	c.LoadedAt = taken
	return c, nil
}

// OpenDB opens a Postgres connection pool through the pgx database/sql driver.
func OpenDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verify postgres connection: %w", err)
	}
	return db, nil
}

const stationsQuery = `SELECT network, body, station, lat_deg, lon_deg, alt_m FROM stations ORDER BY network, station`

// PGSource reads a catalog from a Postgres stations table.
type PGSource struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPGSource creates a PGSource on an open database handle.
func NewPGSource(db *sql.DB, logger *slog.Logger) *PGSource {
	return &PGSource{db: db, logger: logger}
}

func (p *PGSource) Name() string { return "postgres" }

// Load reads every station row. Rows with out-of-range coordinates or an
// unknown body are skipped with a warning, like malformed file lines.
func (p *PGSource) Load(ctx context.Context) (*Catalog, error) {
	rows, err := p.db.QueryContext(ctx, stationsQuery)
	if err != nil {
		return nil, fmt.Errorf("query stations: %w", err)
	}
	defer rows.Close()

	index := make(map[string]int)
	var networks []Network
	for rows.Next() {
		var (
			netName, bodyName, station string
			lat, lon                   float64
			alt                        sql.NullFloat64
		)
		if err := rows.Scan(&netName, &bodyName, &station, &lat, &lon, &alt); err != nil {
			return nil, fmt.Errorf("scan station row: %w", err)
		}

		b, ok := body.Lookup(bodyName)
		if !ok {
			p.logger.Warn("skipping station on unknown body", "network", netName, "station", station, "body", bodyName)
			continue
		}
		if err := validateDegrees(lat, lon); err != nil {
			p.logger.Warn("skipping station row", "network", netName, "station", station, "error", err)
			continue
		}

		i, seen := index[netName]
		if !seen {
			networks = append(networks, Network{Name: netName, Body: b.Name})
			i = len(networks) - 1
			index[netName] = i
		} else if networks[i].Body != b.Name {
			p.logger.Warn("skipping station on conflicting body", "network", netName, "station", station, "body", b.Name)
			continue
		}

		loc := geodesy.FromDegrees(lat, lon)
		if alt.Valid {
			loc = loc.WithAltitude(alt.Float64)
		}
		networks[i].Stations = append(networks[i].Stations, Station{Name: station, Location: loc})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate station rows: %w", err)
	}
	if len(networks) == 0 {
		return nil, errEmptyCatalog
	}

	return NewCatalog(p.Name(), networks), nil
}

var errEmptyCatalog = errors.New("stations table is empty")

// StaticSource serves a fixed catalog.
type StaticSource struct {
	catalog *Catalog
}

// NewStaticSource wraps c as a Source.
func NewStaticSource(c *Catalog) *StaticSource {
	return &StaticSource{catalog: c}
}

func (s *StaticSource) Name() string { return s.catalog.Source }

func (s *StaticSource) Load(context.Context) (*Catalog, error) {
	c := *s.catalog
	c.LoadedAt = time.Now().UTC()
	return &c, nil
}
