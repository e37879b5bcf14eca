package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusRank(t *testing.T) {
	t.Parallel()

	for i, s := range AllStatuses() {
		assert.Equal(t, i, s.Rank(), string(s))
		assert.True(t, s.Valid())
	}
	assert.Equal(t, -1, Status("LOST").Rank())
	assert.False(t, Status("").Valid())
}

func TestCanTransitionExhaustive(t *testing.T) {
	t.Parallel()

	all := AllStatuses()
	for _, from := range all {
		for _, to := range all {
			want := to.Rank() > from.Rank() && from != StatusDelivered
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)

			err := Transition(from, to)
			if want {
				assert.NoError(t, err)
				continue
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidStatusTransition))
			var te *TransitionError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, from, te.From)
			assert.Equal(t, to, te.To)
		}
	}
}

func TestCanTransitionSkipsForward(t *testing.T) {
	t.Parallel()
	assert.True(t, CanTransition(StatusAtFactory, StatusDelivered))
	assert.True(t, CanTransition(StatusAtOriginPort, StatusAtDestinationPort))
}

func TestCanTransitionUnknownStatus(t *testing.T) {
	t.Parallel()
	assert.False(t, CanTransition("", StatusInTransit))
	assert.False(t, CanTransition(StatusInTransit, "LOST"))
}

func TestStatusForDocument(t *testing.T) {
	t.Parallel()

	tests := []struct {
		doc  DocumentType
		want Status
		ok   bool
	}{
		{DocBooking, StatusAtOriginPort, true},
		{DocDeparture, StatusInTransit, true},
		{DocArrival, StatusAtDestinationPort, true},
		{DocHouseBill, "", false},
		{DocMasterBill, "", false},
		{DocUnknown, "", false},
	}
	for _, tt := range tests {
		got, ok := StatusForDocument(tt.doc)
		assert.Equal(t, tt.want, got, string(tt.doc))
		assert.Equal(t, tt.ok, ok, string(tt.doc))
	}
}

func TestShipmentUpdateApplyTo(t *testing.T) {
	t.Parallel()

	vessel := "MAERSK KOLKATA"
	status := StatusInTransit
	atd := time.Date(2026, 1, 22, 0, 0, 0, 0, time.UTC)
	freight := 2450.5

	s := &Shipment{ID: "s1", Vessel: "OLD", Voyage: "V1", Status: StatusAtOriginPort}
	u := &ShipmentUpdate{Vessel: &vessel, Status: &status, ATD: &atd, FreightAmountUSD: &freight}
	require.False(t, u.Empty())
	u.ApplyTo(s)

	assert.Equal(t, "MAERSK KOLKATA", s.Vessel)
	assert.Equal(t, "V1", s.Voyage)
	assert.Equal(t, StatusInTransit, s.Status)
	require.NotNil(t, s.ATD)
	assert.True(t, s.ATD.Equal(atd))
	assert.InDelta(t, 2450.5, s.FreightAmountUSD, 0.001)

	assert.True(t, (&ShipmentUpdate{}).Empty())
}
