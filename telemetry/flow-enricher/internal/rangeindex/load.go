package rangeindex

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/oschwald/geoip2-golang"
	"github.com/oschwald/maxminddb-golang"
)

var ErrNoDatasets = errors.New("dataset path is required")

// LoadStats describes the outcome of reading one dataset.
type LoadStats struct {
	Rows    int
	Loaded  int
	Skipped int
}

const (
	countryColumns = 3
	asColumns      = 5

	maxLineBytes = 1 << 20
)

// ParseCountryTSV reads rows of the form start<TAB>end<TAB>country.
// Rows with too few columns, unparsable addresses or start > end are skipped.
func ParseCountryTSV(r io.Reader) ([]Entry[string], LoadStats, error) {
	return parseTSV(r, countryColumns, func(cols []string) string {
		return strings.TrimSpace(cols[2])
	})
}

// ParseASTSV reads rows of the form start<TAB>end<TAB>asn<TAB>country<TAB>name.
func ParseASTSV(r io.Reader) ([]Entry[AS], LoadStats, error) {
	return parseTSV(r, asColumns, func(cols []string) AS {
		return AS{
			Number: strings.TrimSpace(cols[2]),
			Name:   strings.TrimSpace(cols[4]),
		}
	})
}

func parseTSV[T any](r io.Reader, minColumns int, value func([]string) T) ([]Entry[T], LoadStats, error) {
	var (
		stats   LoadStats
		entries []Entry[T]
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		stats.Rows++

		cols := strings.Split(line, "\t")
		if len(cols) < minColumns {
			stats.Skipped++
			continue
		}
		start, ok := ParseIPv4(strings.TrimSpace(cols[0]))
		if !ok {
			stats.Skipped++
			continue
		}
		end, ok := ParseIPv4(strings.TrimSpace(cols[1]))
		if !ok || start > end {
			stats.Skipped++
			continue
		}
		entries = append(entries, Entry[T]{Start: start, End: end, Value: value(cols)})
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("error reading dataset: %w", err)
	}
	stats.Loaded = len(entries)
	return entries, stats, nil
}

// LoadCountryTable builds a country table from path. Files with an .mmdb
// extension are read as MaxMind country databases, anything else as TSV.
func LoadCountryTable(path string) (*Table[string], LoadStats, error) {
	if path == "" {
		return nil, LoadStats{}, ErrNoDatasets
	}
	var (
		entries []Entry[string]
		stats   LoadStats
		err     error
	)
	if isMMDB(path) {
		entries, stats, err = readMMDBCountries(path)
	} else {
		entries, stats, err = readTSVFile(path, ParseCountryTSV)
	}
	if err != nil {
		return nil, stats, err
	}
	table, dropped := NewTable(entries)
	stats.Skipped += dropped
	stats.Loaded -= dropped
	return table, stats, nil
}

// LoadASTable builds an AS table from path, see LoadCountryTable.
func LoadASTable(path string) (*Table[AS], LoadStats, error) {
	if path == "" {
		return nil, LoadStats{}, ErrNoDatasets
	}
	var (
		entries []Entry[AS]
		stats   LoadStats
		err     error
	)
	if isMMDB(path) {
		entries, stats, err = readMMDBASNs(path)
	} else {
		entries, stats, err = readTSVFile(path, ParseASTSV)
	}
	if err != nil {
		return nil, stats, err
	}
	table, dropped := NewTable(entries)
	stats.Skipped += dropped
	stats.Loaded -= dropped
	return table, stats, nil
}

func readTSVFile[T any](path string, parse func(io.Reader) ([]Entry[T], LoadStats, error)) ([]Entry[T], LoadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, LoadStats{}, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()
	entries, stats, err := parse(f)
	if err != nil {
		return nil, stats, fmt.Errorf("%s: %w", path, err)
	}
	return entries, stats, nil
}

func isMMDB(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".mmdb")
}

func readMMDBCountries(path string) ([]Entry[string], LoadStats, error) {
	return readMMDB(path, func(rec *geoip2.Country) (string, bool) {
		return rec.Country.IsoCode, rec.Country.IsoCode != ""
	})
}

func readMMDBASNs(path string) ([]Entry[AS], LoadStats, error) {
	return readMMDB(path, func(rec *geoip2.ASN) (AS, bool) {
		if rec.AutonomousSystemNumber == 0 {
			return AS{}, false
		}
		return AS{
			Number: strconv.FormatUint(uint64(rec.AutonomousSystemNumber), 10),
			Name:   rec.AutonomousSystemOrganization,
		}, true
	})
}

// readMMDB walks every IPv4 network of a MaxMind database and converts each
// record with value. IPv6 networks are ignored.
func readMMDB[R any, T any](path string, value func(*R) (T, bool)) ([]Entry[T], LoadStats, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, LoadStats{}, fmt.Errorf("failed to open mmdb: %w", err)
	}
	defer db.Close()

	var (
		stats   LoadStats
		entries []Entry[T]
	)
	networks := db.Networks(maxminddb.SkipAliasedNetworks)
	for networks.Next() {
		var rec R
		subnet, err := networks.Network(&rec)
		if err != nil {
			return nil, stats, fmt.Errorf("failed to decode mmdb record: %w", err)
		}
		start, end, ok := ipv4Range(subnet)
		if !ok {
			continue
		}
		stats.Rows++
		v, ok := value(&rec)
		if !ok {
			stats.Skipped++
			continue
		}
		entries = append(entries, Entry[T]{Start: start, End: end, Value: v})
	}
	if err := networks.Err(); err != nil {
		return nil, stats, fmt.Errorf("failed to iterate mmdb networks: %w", err)
	}
	stats.Loaded = len(entries)
	return entries, stats, nil
}

func ipv4Range(n *net.IPNet) (uint32, uint32, bool) {
	ones, bits := n.Mask.Size()
	ip := n.IP
	switch bits {
	case 32:
	case 128:
		// IPv4 networks stored in the ::/96 subtree of an IPv6 database.
		if len(ip) != net.IPv6len {
			return 0, 0, false
		}
		for _, b := range ip[:12] {
			if b != 0 {
				return 0, 0, false
			}
		}
		ip = ip[12:]
		ones -= 96
		if ones < 0 {
			return 0, 0, false
		}
	default:
		return 0, 0, false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, 0, false
	}
	start := binary.BigEndian.Uint32(ip4)
	end := start | (^uint32(0) >> uint(ones))
	return start, end, true
}
