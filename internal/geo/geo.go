// Package geo resolves agent endpoints to region codes for the load
// balancer's geographic eligibility filters.
package geo

import (
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"
)

// countryRecord is the slice of an mmdb record we care about.
type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// ServiceConfig configures the region resolver.
type ServiceConfig struct {
	DBPath string // mmdb database path; empty disables IP lookup

	// ReloadSchedule re-opens the database on a cron schedule so an
	// externally refreshed file is picked up without a restart.
	// Default "0 5 * * *". Ignored when DBPath is empty.
	ReloadSchedule string

	// Overrides maps agent endpoints (or bare hosts) to region codes,
	// for agents whose addresses do not resolve to a public IP.
	Overrides map[string]string
}

// Service provides region lookup with hot-reloading via RWMutex.
type Service struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader // nil when no database is loaded

	dbPath    string
	dbModTime time.Time
	overrides map[string]string
	cron      *cron.Cron
}

// NewService creates a region resolver. The database is not opened until
// Start.
func NewService(cfg ServiceConfig) *Service {
	if cfg.ReloadSchedule == "" {
		cfg.ReloadSchedule = "0 5 * * *"
	}
	overrides := make(map[string]string, len(cfg.Overrides))
	for k, v := range cfg.Overrides {
		overrides[strings.ToLower(k)] = strings.ToUpper(v)
	}
	s := &Service{
		dbPath:    cfg.DBPath,
		overrides: overrides,
	}
	if cfg.DBPath != "" {
		c := cron.New()
		if _, err := c.AddFunc(cfg.ReloadSchedule, s.reloadIfChanged); err != nil {
			log.Printf("[geo] invalid cron expression %q: %v", cfg.ReloadSchedule, err)
		} else {
			s.cron = c
		}
	}
	return s
}

// Start loads the initial database (if configured) and starts the reload
// scheduler. A missing database file is not fatal: lookups fall back to
// overrides until the file appears.
func (s *Service) Start() error {
	if s.dbPath == "" {
		return nil
	}
	if err := s.reload(); err != nil {
		if os.IsNotExist(err) {
			log.Printf("[geo] no database at %s, region lookup limited to overrides", s.dbPath)
		} else {
			return fmt.Errorf("geo: %w", err)
		}
	}
	if s.cron != nil {
		s.cron.Start()
	}
	return nil
}

// Stop stops the scheduler and closes the reader.
func (s *Service) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// Region returns the upper-case region code for an agent endpoint, or ""
// when unknown. Overrides win over database lookups. The endpoint may be
// "host", "host:port", or a bare IP.
func (s *Service) Region(endpoint string) string {
	key := strings.ToLower(endpoint)
	if region, ok := s.overrides[key]; ok {
		return region
	}
	host := key
	if h, _, err := net.SplitHostPort(key); err == nil {
		host = h
		if region, ok := s.overrides[host]; ok {
			return region
		}
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return ""
	}
	return s.lookup(addr)
}

// lookup returns the ISO country code for an IP, or "" when the database is
// absent or has no record.
func (s *Service) lookup(addr netip.Addr) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return ""
	}
	var rec countryRecord
	if err := s.reader.Lookup(net.IP(addr.AsSlice()), &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

// reloadIfChanged re-opens the database only when the file's mtime moved.
func (s *Service) reloadIfChanged() {
	info, err := os.Stat(s.dbPath)
	if err != nil {
		return
	}
	s.mu.RLock()
	unchanged := !info.ModTime().After(s.dbModTime)
	s.mu.RUnlock()
	if unchanged {
		return
	}
	if err := s.reload(); err != nil {
		log.Printf("[geo] reload failed: %v", err)
	}
}

// reload atomically replaces the current reader with a freshly opened one.
func (s *Service) reload() error {
	info, err := os.Stat(s.dbPath)
	if err != nil {
		return err
	}
	newReader, err := maxminddb.Open(s.dbPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.dbPath, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.dbModTime = info.ModTime()
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	log.Printf("[geo] region database loaded from %s", s.dbPath)
	return nil
}
