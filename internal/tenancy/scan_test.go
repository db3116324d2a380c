package tenancy

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type column struct {
	oid uint32
	src []byte
}

func text(oid uint32, v string) column { return column{oid: oid, src: []byte(v)} }

func null(oid uint32) column { return column{oid: oid} }

// textRow decodes text-format column values through the pgx type map, the
// same path rows.Scan takes.
type textRow struct {
	columns []column
}

func (r textRow) Scan(dest ...any) error {
	m := pgtype.NewMap()
	for i, d := range dest {
		c := r.columns[i]
		if err := m.Scan(c.oid, pgtype.TextFormatCode, c.src, d); err != nil {
			return err
		}
	}
	return nil
}

func TestScanDivisionAcceptsNullOptionalColumns(t *testing.T) {
	id := uuid.New()
	d, err := scanDivision(textRow{columns: []column{
		text(pgtype.UUIDOID, id.String()),
		text(pgtype.TextOID, "Hexeko Belgium"),
		text(pgtype.BPCharOID, "BE"),
		null(pgtype.BPCharOID),
		null(pgtype.TextOID),
		null(pgtype.Int8OID),
		null(pgtype.DateOID),
		null(pgtype.DateOID),
		text(pgtype.BoolOID, "t"),
	}})
	require.NoError(t, err)
	require.Equal(t, id, d.ID)
	require.Empty(t, d.Currency)
	require.Nil(t, d.VATRate)
	require.Nil(t, d.CorePackagePrice)
	require.Nil(t, d.ContractStart)
	require.True(t, d.Active)
}

func TestScanDivisionReadsCurrencyAndVAT(t *testing.T) {
	d, err := scanDivision(textRow{columns: []column{
		text(pgtype.UUIDOID, uuid.NewString()),
		text(pgtype.TextOID, "Hexeko France"),
		text(pgtype.BPCharOID, "FR"),
		text(pgtype.BPCharOID, "EUR"),
		text(pgtype.TextOID, "20.00"),
		text(pgtype.Int8OID, "450"),
		text(pgtype.DateOID, "2025-01-01"),
		null(pgtype.DateOID),
		text(pgtype.BoolOID, "t"),
	}})
	require.NoError(t, err)
	require.Equal(t, "EUR", d.Currency)
	require.True(t, decimal.RequireFromString("20").Equal(*d.VATRate))
	require.Equal(t, int64(450), *d.CorePackagePrice)
	require.Equal(t, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), *d.ContractStart)
}

func TestScanActivationNormalisesToUTC(t *testing.T) {
	a, err := scanActivation(textRow{columns: []column{
		text(pgtype.UUIDOID, uuid.NewString()),
		text(pgtype.TextOID, "Wellbeing"),
		null(pgtype.Int8OID),
		text(pgtype.BoolOID, "f"),
		text(pgtype.BoolOID, "t"),
		text(pgtype.TimestamptzOID, "2025-10-10 23:30:00-02"),
		text(pgtype.TimestamptzOID, "2025-10-20 00:30:00+02"),
		text(pgtype.Int8OID, "350"),
	}})
	require.NoError(t, err)
	require.Equal(t, time.UTC, a.ActivatedAt.Location())
	require.Equal(t, 11, a.ActivatedAt.Day())
	require.NotNil(t, a.DeactivatedAt)
	require.Equal(t, time.UTC, a.DeactivatedAt.Location())
	require.Equal(t, 19, a.DeactivatedAt.Day())
	require.Nil(t, a.Module.BasePrice)
	require.Equal(t, int64(350), *a.PricePerBeneficiary)
}
