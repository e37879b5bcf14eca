package merge

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/shipdoc-cli/internal/config"
	"github.com/sells-group/shipdoc-cli/internal/model"
	"github.com/sells-group/shipdoc-cli/internal/store"
)

func newTestApplier(t *testing.T) (*Applier, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "merge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	a := New(st, config.ContainerConfig{SimilarityThreshold: 0.9})
	a.now = func() time.Time { return time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC) }
	a.newNumber = func() string { return "SHP1234567" }
	return a, st
}

func field(v string) *model.ExtractedField { return model.NewField(v, 0.9, "") }

func bookingDoc() *model.ParsedDocument {
	return &model.ParsedDocument{
		DocumentType:           model.DocBooking,
		DocumentTypeConfidence: 0.95,
		Booking:                field("BGA0505879"),
		Vessel:                 field("MSC ALINA"),
		OriginPort:             field("BUENAVENTURA"),
		ETD:                    field("2026-02-05"),
		Containers: []model.ContainerDetail{
			{Number: "CMAU0630730", Type: "40HC"},
			{Number: "DFSU1916028", Type: "40HC"},
		},
		ContainersConfidence: 0.9,
	}
}

func seed(t *testing.T, a *Applier) *MergeResult {
	t.Helper()
	res, err := a.Apply(context.Background(), model.ActionDecision{Action: model.ActionCreate}, bookingDoc())
	require.NoError(t, err)
	return res
}

func updateTo(id string, by model.MatchedBy) model.ActionDecision {
	return model.ActionDecision{Action: model.ActionUpdate, RecordID: id, MatchedBy: by}
}

func TestApply_CreateFromBooking(t *testing.T) {
	a, st := newTestApplier(t)
	ctx := context.Background()

	res := seed(t, a)
	assert.Equal(t, model.ActionCreate, res.Action)
	assert.Equal(t, "SHP1234567", res.ShipmentNumber)
	assert.Equal(t, model.StatusAtOriginPort, res.Status)
	assert.ElementsMatch(t, []string{"CMAU0630730", "DFSU1916028"}, res.ContainersAdded)

	sh, err := st.GetShipment(ctx, res.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "BGA0505879", sh.BookingNumber)
	assert.Equal(t, model.StatusAtOriginPort, sh.Status)
	assert.Equal(t, "MSC ALINA", sh.Vessel)
	require.NotNil(t, sh.ETD)
	assert.Equal(t, "2026-02-05", sh.ETD.Format("2006-01-02"))
	assert.Len(t, sh.Containers, 2)
	assert.Equal(t, "40HC", sh.Containers[0].Type)

	events, err := st.ListEvents(ctx, res.RecordID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventCreated, events[0].Kind)
	assert.Equal(t, "Shipment SHP1234567 created from Booking", events[0].Description)
}

func TestApply_CreateUsesPrimaryID(t *testing.T) {
	a, _ := newTestApplier(t)
	doc := bookingDoc()
	doc.PrimaryID = field("shp 0065011")

	res, err := a.Apply(context.Background(), model.ActionDecision{Action: model.ActionCreate}, doc)
	require.NoError(t, err)
	assert.Equal(t, "SHP0065011", res.ShipmentNumber)
}

func TestApply_CreateRetriesTakenNumber(t *testing.T) {
	a, _ := newTestApplier(t)
	seed(t, a)

	numbers := []string{"SHP1234567", "SHP7654321"}
	a.newNumber = func() string {
		n := numbers[0]
		numbers = numbers[1:]
		return n
	}
	doc := bookingDoc()
	doc.Booking = field("BKG-OTHER")
	doc.Containers = nil

	res, err := a.Apply(context.Background(), model.ActionDecision{Action: model.ActionCreate}, doc)
	require.NoError(t, err)
	assert.Equal(t, "SHP7654321", res.ShipmentNumber)
}

func TestApply_CreateTwiceBecomesUpdate(t *testing.T) {
	a, st := newTestApplier(t)
	first := seed(t, a)

	second, err := a.Apply(context.Background(), model.ActionDecision{Action: model.ActionCreate}, bookingDoc())
	require.NoError(t, err)
	assert.Equal(t, model.ActionUpdate, second.Action)
	assert.Equal(t, first.RecordID, second.RecordID)
	assert.Equal(t, model.MatchedByBooking, second.MatchedBy)

	all, err := st.ListShipments(context.Background(), store.ShipmentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestApply_HouseBillByContainers(t *testing.T) {
	a, st := newTestApplier(t)
	ctx := context.Background()
	created := seed(t, a)

	hbl := &model.ParsedDocument{
		DocumentType:    model.DocHouseBill,
		PrimaryID:       field("SHP0065011"),
		Vessel:          field("MAERSK KOWLOON"),
		Voyage:          field("605W"),
		DestinationPort: field("PUERTO QUETZAL"),
		ATD:             field("2026-02-07"),
		FreightAmount:   field("$1,850.00"),
		FreightTerms:    field("prepaid"),
		Containers:      []model.ContainerDetail{{Number: "CMAU0630730"}},
	}
	res, err := a.Apply(ctx, updateTo(created.RecordID, model.MatchedByContainers), hbl)
	require.NoError(t, err)
	assert.Equal(t, model.ActionUpdate, res.Action)
	assert.Equal(t, model.MatchedByContainers, res.MatchedBy)
	assert.False(t, res.StatusChanged)
	assert.Empty(t, res.ContainersAdded)

	sh, err := st.GetShipment(ctx, created.RecordID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAtOriginPort, sh.Status, "bills never move status")
	assert.Equal(t, "MAERSK KOWLOON", sh.Vessel, "bills overwrite vessel")
	assert.Equal(t, "605W", sh.Voyage)
	assert.Equal(t, "SHP0065011", sh.BillOfLading)
	assert.Equal(t, "SHP1234567", sh.ShipmentNumber, "identifiers are preserved")
	assert.Equal(t, "BGA0505879", sh.BookingNumber)
	assert.Equal(t, "PUERTO QUETZAL", sh.DestinationPort)
	assert.InDelta(t, 1850.0, sh.FreightAmountUSD, 0.001)
	assert.Equal(t, "PREPAID", sh.FreightTerms)
	require.NotNil(t, sh.ATD)
	assert.Equal(t, "2026-02-05", sh.ETD.Format("2006-01-02"), "set ETD is preserved")

	events, err := st.ListEvents(ctx, created.RecordID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventUpdated, events[1].Kind)
	assert.Contains(t, events[1].Description, "HBL applied (matched by containers)")
}

func TestApply_BillETDFallsBackToATD(t *testing.T) {
	a, st := newTestApplier(t)
	doc := bookingDoc()
	doc.ETD = nil
	created, err := a.Apply(context.Background(), model.ActionDecision{Action: model.ActionCreate}, doc)
	require.NoError(t, err)

	mbl := &model.ParsedDocument{DocumentType: model.DocMasterBill, ATD: field("07/02/2026")}
	_, err = a.Apply(context.Background(), updateTo(created.RecordID, model.MatchedByBooking), mbl)
	require.NoError(t, err)

	sh, err := st.GetShipment(context.Background(), created.RecordID)
	require.NoError(t, err)
	require.NotNil(t, sh.ETD)
	assert.Equal(t, "2026-02-07", sh.ETD.Format("2006-01-02"))
}

func TestApply_FreightOnlyWhenEmpty(t *testing.T) {
	a, st := newTestApplier(t)
	created := seed(t, a)
	ctx := context.Background()

	first := &model.ParsedDocument{DocumentType: model.DocMasterBill, FreightAmount: field("1850")}
	second := &model.ParsedDocument{DocumentType: model.DocHouseBill, FreightAmount: field("9999")}
	_, err := a.Apply(ctx, updateTo(created.RecordID, model.MatchedByBooking), first)
	require.NoError(t, err)
	_, err = a.Apply(ctx, updateTo(created.RecordID, model.MatchedByBooking), second)
	require.NoError(t, err)

	sh, err := st.GetShipment(ctx, created.RecordID)
	require.NoError(t, err)
	assert.InDelta(t, 1850.0, sh.FreightAmountUSD, 0.001)
}

func TestApply_NonBillPreservesSetFields(t *testing.T) {
	a, st := newTestApplier(t)
	created := seed(t, a)
	ctx := context.Background()

	dep := &model.ParsedDocument{
		DocumentType: model.DocDeparture,
		Vessel:       field("SOMETHING ELSE"),
		Voyage:       field("007E"),
		ATD:          field("2026-02-06"),
	}
	res, err := a.Apply(ctx, updateTo(created.RecordID, model.MatchedByBooking), dep)
	require.NoError(t, err)
	assert.True(t, res.StatusChanged)
	assert.Equal(t, model.StatusAtOriginPort, res.PreviousStatus)
	assert.Equal(t, model.StatusInTransit, res.Status)
	assert.ElementsMatch(t, []string{"voyage", "atd"}, res.UpdatedFields)

	sh, err := st.GetShipment(ctx, created.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "MSC ALINA", sh.Vessel)
	assert.Equal(t, "007E", sh.Voyage)
	assert.Equal(t, model.StatusInTransit, sh.Status)

	events, err := st.ListEvents(ctx, created.RecordID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventStatusChanged, events[1].Kind)
	assert.Equal(t, model.StatusAtOriginPort, events[1].FromStatus)
	assert.Equal(t, model.StatusInTransit, events[1].ToStatus)
}

func TestApply_StatusRegressionSkipped(t *testing.T) {
	a, st := newTestApplier(t)
	created := seed(t, a)
	ctx := context.Background()

	arrival := &model.ParsedDocument{DocumentType: model.DocArrival, ATA: field("2026-03-01")}
	_, err := a.Apply(ctx, updateTo(created.RecordID, model.MatchedByBooking), arrival)
	require.NoError(t, err)

	late := &model.ParsedDocument{DocumentType: model.DocDeparture, ATD: field("2026-02-07")}
	res, err := a.Apply(ctx, updateTo(created.RecordID, model.MatchedByBooking), late)
	require.NoError(t, err)
	assert.True(t, res.StatusSkipped)
	assert.False(t, res.StatusChanged)
	assert.Equal(t, model.StatusAtDestinationPort, res.Status)

	sh, err := st.GetShipment(ctx, created.RecordID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAtDestinationPort, sh.Status)
	require.NotNil(t, sh.ATD, "data still merged")

	events, err := st.ListEvents(ctx, created.RecordID)
	require.NoError(t, err)
	assert.Len(t, events, 3, "one event per apply")
}

func TestApply_FuzzyContainerNotDuplicated(t *testing.T) {
	a, st := newTestApplier(t)
	created := seed(t, a)
	ctx := context.Background()

	hbl := &model.ParsedDocument{
		DocumentType: model.DocHouseBill,
		Containers:   []model.ContainerDetail{{Number: "DFSU9116028"}, {Number: "TGHU1234567"}},
	}
	res, err := a.Apply(ctx, updateTo(created.RecordID, model.MatchedByContainers), hbl)
	require.NoError(t, err)
	assert.Equal(t, []string{"TGHU1234567"}, res.ContainersAdded)
	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, "DFSU1916028", res.Duplicates[0].Existing)

	sh, err := st.GetShipment(ctx, created.RecordID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"CMAU0630730", "DFSU1916028", "TGHU1234567"}, sh.ContainerNumbers())
}

func TestApply_Idempotent(t *testing.T) {
	a, st := newTestApplier(t)
	created := seed(t, a)
	ctx := context.Background()

	hbl := &model.ParsedDocument{
		DocumentType:  model.DocHouseBill,
		PrimaryID:     field("SHP0065011"),
		Vessel:        field("MAERSK KOWLOON"),
		ATD:           field("2026-02-07"),
		FreightAmount: field("1850"),
		Containers:    []model.ContainerDetail{{Number: "TGHU1234567", Pallets: 18}},
	}
	_, err := a.Apply(ctx, updateTo(created.RecordID, model.MatchedByContainers), hbl)
	require.NoError(t, err)
	once, err := st.GetShipment(ctx, created.RecordID)
	require.NoError(t, err)

	res, err := a.Apply(ctx, updateTo(created.RecordID, model.MatchedByContainers), hbl)
	require.NoError(t, err)
	assert.Empty(t, res.UpdatedFields)
	assert.Empty(t, res.ContainersAdded)
	twice, err := st.GetShipment(ctx, created.RecordID)
	require.NoError(t, err)

	once.UpdatedAt, twice.UpdatedAt = time.Time{}, time.Time{}
	assert.Equal(t, once, twice)
}

func TestApply_RejectsReview(t *testing.T) {
	a, _ := newTestApplier(t)
	_, err := a.Apply(context.Background(), model.ActionDecision{Action: model.ActionNeedsReview}, bookingDoc())
	assert.ErrorIs(t, err, ErrNotApplicable)

	_, err = a.Apply(context.Background(), model.ActionDecision{Action: model.ActionUpdate}, bookingDoc())
	assert.ErrorIs(t, err, ErrMissingRecord)
}

func TestApply_UnknownRecord(t *testing.T) {
	a, _ := newTestApplier(t)
	_, err := a.Apply(context.Background(), updateTo("missing", model.MatchedByExplicitID), bookingDoc())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApply_ConcurrentUpdatesSerialized(t *testing.T) {
	a, st := newTestApplier(t)
	created := seed(t, a)
	ctx := context.Background()

	numbers := []string{"TGHU1234567", "MSCU7654321", "TCLU1111111", "SEGU2222222", "BMOU3333333"}
	var wg sync.WaitGroup
	for _, n := range numbers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc := &model.ParsedDocument{DocumentType: model.DocHouseBill, Containers: []model.ContainerDetail{{Number: n}}}
			_, err := a.Apply(ctx, updateTo(created.RecordID, model.MatchedByContainers), doc)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sh, err := st.GetShipment(ctx, created.RecordID)
	require.NoError(t, err)
	assert.Len(t, sh.Containers, 2+len(numbers))
	assert.Zero(t, a.locks.size())
}

func TestChangeStatus(t *testing.T) {
	a, st := newTestApplier(t)
	created := seed(t, a)
	ctx := context.Background()

	require.NoError(t, a.ChangeStatus(ctx, created.RecordID, model.StatusInCustoms, "cleared docs"))

	err := a.ChangeStatus(ctx, created.RecordID, model.StatusInTransit, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidStatusTransition)
	var te *model.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, model.StatusInCustoms, te.From)
	assert.Equal(t, model.StatusInTransit, te.To)

	require.NoError(t, a.ChangeStatus(ctx, created.RecordID, model.StatusDelivered, ""))
	err = a.ChangeStatus(ctx, created.RecordID, model.StatusDelivered, "")
	assert.ErrorIs(t, err, model.ErrInvalidStatusTransition)

	sh, err := st.GetShipment(ctx, created.RecordID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, sh.Status)

	events, err := st.ListEvents(ctx, created.RecordID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "Status changed from AT_ORIGIN_PORT to IN_CUSTOMS: cleared docs", events[1].Description)
}

func TestChangeStatus_UnknownStatus(t *testing.T) {
	a, _ := newTestApplier(t)
	err := a.ChangeStatus(context.Background(), "any", model.Status("LOST"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

func TestAmount(t *testing.T) {
	assert.InDelta(t, 1850.5, amount(field("$1,850.50")), 0.001)
	assert.InDelta(t, 2000.0, amount(field("USD 2000")), 0.001)
	assert.Zero(t, amount(field("call for quote")))
	assert.Zero(t, amount(nil))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Departure applied (matched by booking): updated vessel, atd; added 2 container(s)",
		describe(model.DocDeparture, model.MatchedByBooking, []string{"vessel", "atd"}, []string{"A", "B"}))
	assert.Equal(t, "MBL applied (matched by explicit_id): no changes",
		describe(model.DocMasterBill, model.MatchedByExplicitID, nil, nil))
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var mu sync.Mutex
	active, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("rec-1")
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)
	assert.Zero(t, k.size())
}
