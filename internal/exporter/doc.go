// Package exporter writes the usage ledger out for offline auditing.
//
// Two formats are supported:
//
// CSV: one file of license usage records, UTF-8 with a BOM so spreadsheet
// tools detect the encoding.
//
// XLSX: a workbook with a "Licenses" sheet holding the aggregate records and
// a "Query Log" sheet holding every query logged inside the export window.
//
// Example usage:
//
//	exp := exporter.New(usageLedger)
//	err := exp.Export(ctx, exporter.FormatXLSX, "reports/usage.xlsx", since)
package exporter
