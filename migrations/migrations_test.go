package migrations

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hexeko/billing/internal/invoicing"
)

func TestNamesAreOrdered(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)
	require.Equal(t, []string{"0001_tenancy.sql", "0002_invoicing.sql", "0003_ledger.sql"}, names)
}

func TestSchemaCarriesUniquenessGuards(t *testing.T) {
	invoicing, err := Files.ReadFile("0002_invoicing.sql")
	require.NoError(t, err)
	require.Contains(t, string(invoicing), "NULLS NOT DISTINCT")
	require.Contains(t, string(invoicing), "PRIMARY KEY (invoice_type, year)")

	ledger, err := Files.ReadFile("0003_ledger.sql")
	require.NoError(t, err)
	require.True(t, strings.Contains(string(ledger), "UNIQUE (aggregate_uuid, aggregate_version)"))
}

func TestItemTypeCheckCoversDomainTypes(t *testing.T) {
	schema, err := Files.ReadFile("0002_invoicing.sql")
	require.NoError(t, err)
	match := regexp.MustCompile(`item_type\s+text\s+NOT NULL CHECK \(item_type IN \(([^)]*)\)\)`).FindSubmatch(schema)
	require.NotNil(t, match)
	for _, itemType := range []invoicing.ItemType{invoicing.ItemCorePackage, invoicing.ItemModule, invoicing.ItemOther} {
		require.Contains(t, string(match[1]), "'"+string(itemType)+"'")
	}
}
