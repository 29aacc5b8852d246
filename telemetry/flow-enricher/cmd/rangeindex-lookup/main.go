// Command rangeindex-lookup loads a country and an AS range table and prints
// what each address given on the command line resolves to.
package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/malbeclabs/netflow-enricher/telemetry/flow-enricher/internal/rangeindex"
	flag "github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("rangeindex-lookup", flag.ContinueOnError)
	countryPath := fs.String("country-table", os.Getenv("COUNTRY_TABLE_PATH"), "country range table, TSV or .mmdb (env: COUNTRY_TABLE_PATH)")
	asPath := fs.String("as-table", os.Getenv("AS_TABLE_PATH"), "AS range table, TSV or .mmdb (env: AS_TABLE_PATH)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: rangeindex-lookup --country-table PATH --as-table PATH ADDRESS...")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *countryPath == "" || *asPath == "" {
		return fmt.Errorf("both tables are required: %w", rangeindex.ErrNoDatasets)
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("no addresses given")
	}

	country, countryStats, err := rangeindex.LoadCountryTable(*countryPath)
	if err != nil {
		return err
	}
	as, asStats, err := rangeindex.LoadASTable(*asPath)
	if err != nil {
		return err
	}
	snap := rangeindex.NewIndex().Publish(country, as)

	fmt.Fprintf(out, "# country: %d ranges (%d rows skipped), as: %d ranges (%d rows skipped)\n",
		snap.CountryEntries(), countryStats.Skipped, snap.ASEntries(), asStats.Skipped)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tCOUNTRY\tASN\tAS NAME")
	for _, addr := range fs.Args() {
		a := snap.AS(addr)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", addr, snap.Country(addr), a.Number, a.Name)
	}
	return tw.Flush()
}
