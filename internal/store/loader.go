package store

import (
	"context"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/trungdn/zalobridge/internal/credential"
	"github.com/trungdn/zalobridge/internal/hub"
)

// ChannelLister is the hub capability the loader needs.
type ChannelLister interface {
	ListChannels(ctx context.Context) ([]hub.Channel, error)
}

// Loader resolves the channel list: hub first, local snapshot as an explicit
// degraded fallback, optional YAML seed for dev and mock setups.
type Loader struct {
	hub      ChannelLister
	store    *Store
	seedPath string
}

// NewLoader creates a Loader. seedPath may be empty.
func NewLoader(lister ChannelLister, store *Store, seedPath string) *Loader {
	return &Loader{hub: lister, store: store, seedPath: seedPath}
}

// Load fetches channels from the hub and refreshes the snapshot. When the hub
// is unreachable it falls back to the last snapshot (or the seed file when
// the snapshot is empty) and reports degraded=true so callers can surface the
// degradation instead of inferring it from payload content.
func (l *Loader) Load(ctx context.Context) (channels []hub.Channel, degraded bool, err error) {
	channels, hubErr := l.hub.ListChannels(ctx)
	if hubErr == nil {
		if l.store != nil {
			if err := l.store.SaveSnapshot(channels); err != nil {
				log.Printf("snapshot save failed: %v", err)
			}
		}
		return channels, false, nil
	}

	log.Printf("hub channel fetch failed, falling back to snapshot: %v", hubErr)

	if l.store != nil {
		channels, err = l.store.LoadSnapshot()
		if err != nil {
			return nil, true, fmt.Errorf("loading snapshot: %w", err)
		}
		if len(channels) > 0 {
			return channels, true, nil
		}
	}

	if l.seedPath != "" {
		channels, err = LoadSeed(l.seedPath)
		if err != nil {
			return nil, true, fmt.Errorf("loading seed file: %w", err)
		}
		return channels, true, nil
	}

	return nil, true, fmt.Errorf("fetching channels: %w", hubErr)
}

// seedFile is the accounts.yaml layout.
type seedFile struct {
	Channels []seedChannel `yaml:"channels"`
}

type seedChannel struct {
	ID              int64        `yaml:"id"`
	Name            string       `yaml:"name"`
	ZaloAccountName string       `yaml:"zalo_account_name"`
	IMEI            string       `yaml:"imei"`
	UserAgent       string       `yaml:"user_agent"`
	Proxy           string       `yaml:"proxy"`
	AccountID       int64        `yaml:"account_id"`
	Cookies         []seedCookie `yaml:"cookies"`
}

type seedCookie struct {
	Key      string `yaml:"key"`
	Value    string `yaml:"value"`
	Domain   string `yaml:"domain"`
	Path     string `yaml:"path"`
	MaxAge   int64  `yaml:"max_age"`
	Creation string `yaml:"creation"`
}

// LoadSeed reads channel definitions from a YAML seed file.
func LoadSeed(path string) ([]hub.Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	channels := make([]hub.Channel, 0, len(seed.Channels))
	for i, sc := range seed.Channels {
		if sc.ID == 0 {
			sc.ID = int64(i + 1)
		}
		if sc.AccountID == 0 {
			sc.AccountID = 1
		}
		ch := hub.Channel{
			ID:              sc.ID,
			Name:            sc.Name,
			ZaloAccountName: sc.ZaloAccountName,
			IMEI:            sc.IMEI,
			UserAgent:       sc.UserAgent,
			Proxy:           sc.Proxy,
			AccountID:       sc.AccountID,
		}
		for _, c := range sc.Cookies {
			ch.Cookie = append(ch.Cookie, credential.Cookie{
				Key:      c.Key,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				MaxAge:   c.MaxAge,
				Creation: c.Creation,
			})
		}
		channels = append(channels, ch)
	}
	return channels, nil
}
