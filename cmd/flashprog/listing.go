package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"

	"github.com/flashprog/flashprog/internal/chip"
)

func sortedChipNames() []string {
	names := make([]string, 0, len(chip.Database))
	for name := range chip.Database {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// printSupportedTable implements "--list-supported", an aligned table
// of every chip.Database entry (§5 "Supplemented features").
func printSupportedTable(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Vendor", "Name", "Bus", "Size", "Probe", "Read", "Erase", "Write"})
	for _, name := range sortedChipNames() {
		d := chip.Database[name]
		table.Append([]string{
			d.Vendor, d.Name, d.Bus.String(), fmt.Sprintf("%d KiB", d.TotalSize/1024),
			d.Tested.Probe.String(), d.Tested.Read.String(), d.Tested.Erase.String(), d.Tested.Write.String(),
		})
	}
	table.Render()
}

// printSupportedWiki implements "--list-wiki": the same data rendered
// as a pipe-table ready to paste into a wiki page.
func printSupportedWiki(w io.Writer) {
	fmt.Fprintln(w, "| Vendor | Name | Bus | Size | Probe | Read | Erase | Write |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|")
	for _, name := range sortedChipNames() {
		d := chip.Database[name]
		fmt.Fprintf(w, "| %s | %s | %s | %d KiB | %s | %s | %s | %s |\n",
			d.Vendor, d.Name, d.Bus.String(), d.TotalSize/1024,
			d.Tested.Probe.String(), d.Tested.Read.String(), d.Tested.Erase.String(), d.Tested.Write.String())
	}
}
