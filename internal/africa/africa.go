// Package africa produces the per-country player counts for the African
// countries the dashboard's heat map uses.
package africa

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"chess-ledger/internal/config"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Country struct {
	Alpha2 string
	Alpha3 string
	Name   string
}

// Countries is the ISO list of African countries the remote API recognizes.
var Countries = []Country{
	{"DZ", "DZA", "Algeria"},
	{"AO", "AGO", "Angola"},
	{"BJ", "BEN", "Benin"},
	{"BW", "BWA", "Botswana"},
	{"BF", "BFA", "Burkina Faso"},
	{"BI", "BDI", "Burundi"},
	{"CM", "CMR", "Cameroon"},
	{"CV", "CPV", "Cabo Verde"},
	{"CF", "CAF", "Central African Republic"},
	{"TD", "TCD", "Chad"},
	{"KM", "COM", "Comoros"},
	{"CG", "COG", "Congo"},
	{"CD", "COD", "Congo (DRC)"},
	{"CI", "CIV", "Côte d'Ivoire"},
	{"DJ", "DJI", "Djibouti"},
	{"EG", "EGY", "Egypt"},
	{"GQ", "GNQ", "Equatorial Guinea"},
	{"ER", "ERI", "Eritrea"},
	{"SZ", "SWZ", "Eswatini"},
	{"ET", "ETH", "Ethiopia"},
	{"GA", "GAB", "Gabon"},
	{"GM", "GMB", "Gambia"},
	{"GH", "GHA", "Ghana"},
	{"GN", "GIN", "Guinea"},
	{"GW", "GNB", "Guinea-Bissau"},
	{"KE", "KEN", "Kenya"},
	{"LS", "LSO", "Lesotho"},
	{"LR", "LBR", "Liberia"},
	{"LY", "LBY", "Libya"},
	{"MG", "MDG", "Madagascar"},
	{"MW", "MWI", "Malawi"},
	{"ML", "MLI", "Mali"},
	{"MR", "MRT", "Mauritania"},
	{"MU", "MUS", "Mauritius"},
	{"MA", "MAR", "Morocco"},
	{"MZ", "MOZ", "Mozambique"},
	{"NA", "NAM", "Namibia"},
	{"NE", "NER", "Niger"},
	{"NG", "NGA", "Nigeria"},
	{"RW", "RWA", "Rwanda"},
	{"ST", "STP", "Sao Tome and Principe"},
	{"SN", "SEN", "Senegal"},
	{"SC", "SYC", "Seychelles"},
	{"SL", "SLE", "Sierra Leone"},
	{"SO", "SOM", "Somalia"},
	{"ZA", "ZAF", "South Africa"},
	{"SS", "SSD", "South Sudan"},
	{"SD", "SDN", "Sudan"},
	{"TZ", "TZA", "Tanzania"},
	{"TG", "TGO", "Togo"},
	{"TN", "TUN", "Tunisia"},
	{"UG", "UGA", "Uganda"},
	{"ZM", "ZMB", "Zambia"},
	{"ZW", "ZWE", "Zimbabwe"},
}

// RosterByCountry is the slice of the API client the counter needs.
type RosterByCountry interface {
	FetchCountryPlayers(ctx context.Context, code string) ([]string, error)
}

type Count struct {
	Country Country
	Players int
}

type Counter struct {
	client    RosterByCountry
	outPath   string
	workers   int
	countries []Country
	logger    zerolog.Logger
}

func NewCounter(client RosterByCountry, cfg *config.Config, logger zerolog.Logger) *Counter {
	return &Counter{
		client:    client,
		outPath:   cfg.AfricaPath,
		workers:   cfg.Workers,
		countries: Countries,
		logger:    logger,
	}
}

// Run fetches each country's roster size concurrently and writes the counts
// table. Countries whose fetch fails are recorded with a -1 count so a
// transient outage is distinguishable from an actually empty roster.
func (c *Counter) Run(ctx context.Context) error {
	counts := make([]Count, len(c.countries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	var mu sync.Mutex
	failures := 0
	for i, country := range c.countries {
		i, country := i, country
		g.Go(func() error {
			players, err := c.client.FetchCountryPlayers(gctx, country.Alpha2)
			if err != nil {
				c.logger.Warn().Err(err).Str("country", country.Alpha2).Msg("country roster fetch failed")
				mu.Lock()
				failures++
				mu.Unlock()
				counts[i] = Count{Country: country, Players: -1}
				return nil
			}
			counts[i] = Count{Country: country, Players: len(players)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if failures == len(c.countries) {
		return fmt.Errorf("all %d country roster fetches failed", failures)
	}

	if err := c.write(counts); err != nil {
		return fmt.Errorf("write country counts: %w", err)
	}
	c.logger.Info().
		Int("countries", len(counts)).
		Int("failures", failures).
		Str("path", c.outPath).
		Msg("country counts written")
	return nil
}

func (c *Counter) write(counts []Count) error {
	if err := os.MkdirAll(filepath.Dir(c.outPath), 0o755); err != nil {
		return err
	}
	tmp := c.outPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if err := w.Write([]string{"country_code", "country_code_alpha3", "country_name", "player_count"}); err != nil {
		f.Close()
		return err
	}
	for _, count := range counts {
		row := []string{count.Country.Alpha2, count.Country.Alpha3, count.Country.Name, strconv.Itoa(count.Players)}
		if err := w.Write(row); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.outPath)
}
