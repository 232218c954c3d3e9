package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"gauge-tracking-backend/config"
	"gauge-tracking-backend/internal/apperr"
	"gauge-tracking-backend/internal/audit"
	"gauge-tracking-backend/internal/model"
	"gauge-tracking-backend/internal/parse"
	"gauge-tracking-backend/internal/txn"
)

const (
	opCreateSet     = "create_set"
	opCreateSpare   = "create_spare"
	opPairSpares    = "pair_spares"
	opReplaceMember = "replace_member"
	opDissolveSet   = "dissolve_set"
	opGetSet        = "get_set"
	opSetHistory    = "set_history"
)

// GaugeInput describes a thread gauge entering the system.
type GaugeInput struct {
	GaugeID                  string              `json:"gauge_id" validate:"omitempty,max=64"`
	ThreadSize               string              `json:"thread_size" validate:"required,max=32"`
	ThreadClass              string              `json:"thread_class" validate:"required,max=16"`
	ThreadType               string              `json:"thread_type" validate:"omitempty,max=16"`
	ThreadForm               string              `json:"thread_form" validate:"omitempty,max=32"`
	IsSealed                 bool                `json:"is_sealed"`
	StorageLocation          string              `json:"storage_location" validate:"omitempty,max=128"`
	OwnershipType            model.OwnershipType `json:"ownership_type" validate:"omitempty,oneof=company employee customer"`
	OwnerName                string              `json:"owner_name" validate:"omitempty,max=128"`
	CalibrationFrequencyDays int                 `json:"calibration_frequency_days" validate:"gte=0,lte=3650"`
	CalibrationDueDate       *time.Time          `json:"calibration_due_date"`
}

// SetResult is a set with its two members split by role.
type SetResult struct {
	SetID    string           `json:"set_id"`
	Go       *model.Gauge     `json:"go_gauge"`
	NoGo     *model.Gauge     `json:"no_go_gauge"`
	Warnings []apperr.Warning `json:"warnings,omitempty"`
}

// DissolveResult lists the gauges released back to the spare pool.
type DissolveResult struct {
	SetID    string           `json:"set_id"`
	Spares   []model.Gauge    `json:"spares"`
	Warnings []apperr.Warning `json:"warnings,omitempty"`
}

// SetLifecycleService creates, pairs, re-pairs and dissolves GO/NO-GO sets.
// It is the only writer of set ids.
type SetLifecycleService struct {
	base
	rejectMixedSeal  bool
	nonPairableForms map[string]bool
	defaultFrequency int
}

func NewSetLifecycleService(d Deps, pairing config.PairingConfig, calibration config.CalibrationConfig) *SetLifecycleService {
	forms := make(map[string]bool, len(pairing.NonPairableForms))
	for _, f := range pairing.NonPairableForms {
		forms[parse.NormalizeForm(f)] = true
	}
	return &SetLifecycleService{
		base:             newBase(d, "set_lifecycle"),
		rejectMixedSeal:  pairing.RejectMixedSeal,
		nonPairableForms: forms,
		defaultFrequency: calibration.DefaultFrequencyDays,
	}
}

// CreateSet persists a GO and a NO-GO gauge sharing a freshly allocated set id.
func (s *SetLifecycleService) CreateSet(ctx context.Context, goData, noGoData GaugeInput, actingUser int64) (res *SetResult, err error) {
	started := time.Now()
	defer func() { s.finish(opCreateSet, started, err, "go_gauge_id", goData.GaugeID, "no_go_gauge_id", noGoData.GaugeID) }()

	goSpec, err := s.parseInput("go", goData)
	if err != nil {
		return nil, err
	}
	noGoSpec, err := s.parseInput("no_go", noGoData)
	if err != nil {
		return nil, err
	}
	if err := s.checkPairable(goSpec, noGoSpec); err != nil {
		return nil, err
	}
	if goData.GaugeID != "" && strings.EqualFold(goData.GaugeID, noGoData.GaugeID) {
		return nil, apperr.Validation("duplicate_gauge_id").With("gauge_id", goData.GaugeID)
	}
	warning, err := s.checkSeal(goData.IsSealed, noGoData.IsSealed)
	if err != nil {
		return nil, err
	}

	setID := uuid.NewString()
	res = &SetResult{SetID: setID}
	if warning != nil {
		res.Warnings = append(res.Warnings, *warning)
	}

	err = s.runner.Run(ctx, func(tx txn.Tx) error {
		goGauge, err := s.insertGauge(tx, goData, goSpec, true, &setID, actingUser)
		if err != nil {
			return err
		}
		noGoGauge, err := s.insertGauge(tx, noGoData, noGoSpec, false, &setID, actingUser)
		if err != nil {
			return err
		}

		ids := []int64{goGauge.ID, noGoGauge.ID}
		if err := s.appendHistory(tx, setID, model.SetActionCreatedTogether, actingUser, "", ids, nil); err != nil {
			return err
		}
		if err := s.record(tx, actingUser, "gauge_set_created", audit.EntityGaugeSet, setID, map[string]any{
			"gauge_ids": ids,
		}); err != nil {
			return err
		}
		res.Go, res.NoGo = goGauge, noGoGauge
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CreateSpare registers a single thread gauge with no set id.
func (s *SetLifecycleService) CreateSpare(ctx context.Context, data GaugeInput, isGoGauge bool, actingUser int64) (g *model.Gauge, err error) {
	started := time.Now()
	defer func() { s.finish(opCreateSpare, started, err, "gauge_id", data.GaugeID, "is_go_gauge", isGoGauge) }()

	spec, err := s.parseInput("gauge", data)
	if err != nil {
		return nil, err
	}

	err = s.runner.Run(ctx, func(tx txn.Tx) error {
		var err error
		if g, err = s.insertGauge(tx, data, spec, isGoGauge, nil, actingUser); err != nil {
			return err
		}
		return s.record(tx, actingUser, "gauge_spare_created", audit.EntityGauge, idString(g.ID), map[string]any{
			"gauge_id":    g.GaugeID,
			"is_go_gauge": isGoGauge,
		})
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// PairSpares forms a set from two spares with matching specifications and
// opposite roles.
func (s *SetLifecycleService) PairSpares(ctx context.Context, gaugeIDA, gaugeIDB int64, actingUser int64) (res *SetResult, err error) {
	started := time.Now()
	defer func() { s.finish(opPairSpares, started, err, "gauge_a", gaugeIDA, "gauge_b", gaugeIDB) }()

	if gaugeIDA == gaugeIDB {
		return nil, apperr.Validation("same_gauge").With("gauge_id", gaugeIDA)
	}

	setID := uuid.NewString()
	res = &SetResult{SetID: setID}
	err = s.runner.Run(ctx, func(tx txn.Tx) error {
		locked, err := s.gauges.LockForUpdate(tx, gaugeIDA, gaugeIDB)
		if err != nil {
			return err
		}
		for _, g := range locked {
			if g.InSet() {
				return apperr.Conflict("gauge_already_in_set").With("gauge_id", g.ID).With("set_id", *g.SetID)
			}
		}

		specs, err := s.specsFor(tx, locked)
		if err != nil {
			return err
		}
		a, b := pick(locked, gaugeIDA), pick(locked, gaugeIDB)
		if err := s.checkPairable(specs[a.ID].ThreadSpec, specs[b.ID].ThreadSpec); err != nil {
			return err
		}
		if specs[a.ID].isGo == specs[b.ID].isGo {
			return apperr.Validation("same_gauge_role").With("gauge_ids", []int64{a.ID, b.ID})
		}
		for _, g := range locked {
			switch g.Status {
			case model.GaugeStatusCheckedOut:
				return apperr.Conflict("gauge_checked_out").With("gauge_id", g.ID)
			case model.GaugeStatusRetired:
				return apperr.Conflict("gauge_retired").With("gauge_id", g.ID)
			}
		}
		warning, err := s.checkSeal(a.IsSealed, b.IsSealed)
		if err != nil {
			return err
		}
		if warning != nil {
			res.Warnings = append(res.Warnings, *warning)
		}

		ids := []int64{a.ID, b.ID}
		if err := s.sets.Assign(tx, setID, ids...); err != nil {
			return err
		}
		if err := s.appendHistory(tx, setID, model.SetActionPairedFromSpares, actingUser, "", ids, nil); err != nil {
			return err
		}
		if err := s.record(tx, actingUser, "gauge_set_paired", audit.EntityGaugeSet, setID, map[string]any{
			"gauge_ids": ids,
		}); err != nil {
			return err
		}
		return s.loadSet(tx, setID, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ReplaceMember swaps outgoingID out of the set for the spare incomingID. The
// spare must match the remaining companion and take over the outgoing role.
func (s *SetLifecycleService) ReplaceMember(ctx context.Context, setID string, outgoingID, incomingID int64, actingUser int64, reason string) (res *SetResult, err error) {
	started := time.Now()
	defer func() {
		s.finish(opReplaceMember, started, err, "set_id", setID, "outgoing", outgoingID, "incoming", incomingID)
	}()

	if outgoingID == incomingID {
		return nil, apperr.Validation("same_gauge").With("gauge_id", outgoingID)
	}

	res = &SetResult{SetID: setID}
	err = s.runner.Run(ctx, func(tx txn.Tx) error {
		members, err := s.sets.Members(tx, setID)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return apperr.NotFound("set_not_found").With("set_id", setID)
		}
		var companionID int64
		outgoingFound := false
		for _, m := range members {
			if m.ID == outgoingID {
				outgoingFound = true
			} else {
				companionID = m.ID
			}
		}
		if !outgoingFound {
			return apperr.Conflict("outgoing_not_in_set").With("set_id", setID).With("gauge_id", outgoingID)
		}
		if companionID == 0 {
			return apperr.Conflict("set_incomplete").With("set_id", setID).With("gauge_id", outgoingID)
		}

		locked, err := s.gauges.LockForUpdate(tx, outgoingID, companionID, incomingID)
		if err != nil {
			return err
		}
		outgoing, companion, incoming := pick(locked, outgoingID), pick(locked, companionID), pick(locked, incomingID)
		if outgoing.SetID == nil || *outgoing.SetID != setID {
			return apperr.Conflict("outgoing_not_in_set").With("set_id", setID).With("gauge_id", outgoingID)
		}
		if companion.SetID == nil || *companion.SetID != setID {
			return apperr.Conflict("set_changed_concurrently").With("set_id", setID)
		}
		if incoming.InSet() {
			return apperr.Conflict("incoming_not_spare").With("gauge_id", incomingID).With("set_id", *incoming.SetID)
		}

		specs, err := s.specsFor(tx, locked)
		if err != nil {
			return err
		}
		if err := s.checkPairable(specs[companionID].ThreadSpec, specs[incomingID].ThreadSpec); err != nil {
			return err
		}
		if specs[incomingID].isGo != specs[outgoingID].isGo {
			return apperr.Validation("gauge_role_mismatch").
				With("outgoing_gauge_id", outgoingID).
				With("incoming_gauge_id", incomingID)
		}
		if incoming.Status == model.GaugeStatusRetired {
			return apperr.Conflict("incoming_retired").With("gauge_id", incomingID)
		}
		if incoming.Status.InCalibration() {
			return apperr.Conflict("incoming_in_calibration").
				With("incoming_gauge_id", incomingID).
				With("status", incoming.Status)
		}
		if (incoming.Status == model.GaugeStatusCheckedOut) != (companion.Status == model.GaugeStatusCheckedOut) {
			return apperr.Conflict("checkout_state_mismatch").
				With("incoming_gauge_id", incomingID).
				With("companion_id", companionID)
		}
		warning, err := s.checkSeal(companion.IsSealed, incoming.IsSealed)
		if err != nil {
			return err
		}
		if warning != nil {
			res.Warnings = append(res.Warnings, *warning)
		}

		if err := s.sets.Clear(tx, outgoingID); err != nil {
			return err
		}
		if err := s.sets.Assign(tx, setID, incomingID); err != nil {
			return err
		}
		meta := map[string]any{"outgoing_gauge_id": outgoingID, "incoming_gauge_id": incomingID}
		if err := s.appendHistory(tx, setID, model.SetActionReplaced, actingUser, reason, []int64{companionID, incomingID}, meta); err != nil {
			return err
		}
		meta["reason"] = reason
		if err := s.record(tx, actingUser, "gauge_set_member_replaced", audit.EntityGaugeSet, setID, meta); err != nil {
			return err
		}
		return s.loadSet(tx, setID, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DissolveSet clears the set id on every member and returns them to the
// spare pool. Dissolving a set nobody carries any more is NotFound.
func (s *SetLifecycleService) DissolveSet(ctx context.Context, setID string, actingUser int64, reason string) (res *DissolveResult, err error) {
	started := time.Now()
	defer func() { s.finish(opDissolveSet, started, err, "set_id", setID) }()

	res = &DissolveResult{SetID: setID}
	err = s.runner.Run(ctx, func(tx txn.Tx) error {
		members, err := s.lockSet(tx, setID)
		if err != nil {
			return err
		}
		for _, g := range members {
			if g.Status == model.GaugeStatusCheckedOut {
				return apperr.Conflict("member_checked_out").With("set_id", setID).With("gauge_id", g.ID)
			}
		}
		if len(members) == 1 {
			res.Warnings = append(res.Warnings, s.companionMissingWarning(opDissolveSet, members[0]))
		}

		ids := gaugeIDs(members)
		for _, id := range ids {
			if err := s.appendHistory(tx, setID, model.SetActionOrphaned, actingUser, reason, ids,
				map[string]any{"orphaned_gauge_id": id}); err != nil {
				return err
			}
		}
		if err := s.sets.Clear(tx, ids...); err != nil {
			return err
		}
		if err := s.record(tx, actingUser, "gauge_set_dissolved", audit.EntityGaugeSet, setID, map[string]any{
			"gauge_ids": ids,
			"reason":    reason,
		}); err != nil {
			return err
		}

		for _, id := range ids {
			g, err := s.gauges.Get(tx, id)
			if err != nil {
				return err
			}
			res.Spares = append(res.Spares, *g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetSet returns the live members of a set.
func (s *SetLifecycleService) GetSet(ctx context.Context, setID string) (res *SetResult, err error) {
	started := time.Now()
	defer func() { s.finish(opGetSet, started, err, "set_id", setID) }()

	res = &SetResult{SetID: setID}
	err = s.runner.Run(ctx, func(tx txn.Tx) error {
		return s.loadSet(tx, setID, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SetHistory returns the append-only history of a set, oldest first.
func (s *SetLifecycleService) SetHistory(ctx context.Context, setID string) (entries []model.SetHistory, err error) {
	started := time.Now()
	defer func() { s.finish(opSetHistory, started, err, "set_id", setID) }()

	err = s.runner.Run(ctx, func(tx txn.Tx) error {
		var err error
		entries, err = s.sets.History(tx, setID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return apperr.NotFound("set_not_found").With("set_id", setID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// loadSet fills res with the set's live members, split by role.
func (s *SetLifecycleService) loadSet(tx txn.Tx, setID string, res *SetResult) error {
	members, err := s.sets.Members(tx, setID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return apperr.NotFound("set_not_found").With("set_id", setID)
	}
	for i := range members {
		m := &members[i]
		if m.ThreadSpec != nil && m.ThreadSpec.IsGoGauge {
			res.Go = m
		} else {
			res.NoGo = m
		}
	}
	if len(members) == 1 {
		res.Warnings = append(res.Warnings, s.companionMissingWarning(opGetSet, members[0]))
	}
	return nil
}

// pairingSpec is a stored thread specification normalized for comparison.
type pairingSpec struct {
	parse.ThreadSpec
	isGo bool
}

func (s *SetLifecycleService) parseInput(role string, in GaugeInput) (parse.ThreadSpec, error) {
	if err := validateInput(in); err != nil {
		if e, ok := err.(*apperr.Error); ok {
			e.With("role", role)
		}
		return parse.ThreadSpec{}, err
	}
	spec, err := parse.ParseThread(in.ThreadSize, in.ThreadClass, in.ThreadType, in.ThreadForm)
	if err != nil {
		return parse.ThreadSpec{}, apperr.Validation("invalid_thread_size").With("role", role).Wrap(err)
	}
	return spec, nil
}

// specsFor loads and normalizes the thread specifications of thread gauges.
func (s *SetLifecycleService) specsFor(tx txn.Tx, gauges []model.Gauge) (map[int64]pairingSpec, error) {
	ids := make([]int64, 0, len(gauges))
	for _, g := range gauges {
		if g.EquipmentType != model.EquipmentThreadGauge {
			return nil, apperr.Validation("not_a_thread_gauge").
				With("gauge_id", g.ID).
				With("equipment_type", g.EquipmentType)
		}
		ids = append(ids, g.ID)
	}
	stored, err := s.gauges.ThreadSpecs(tx, ids...)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]pairingSpec, len(ids))
	for _, id := range ids {
		row, ok := stored[id]
		if !ok {
			return nil, apperr.Validation("thread_spec_missing").With("gauge_id", id)
		}
		spec, err := parse.ParseThread(row.ThreadSize, row.ThreadClass, row.ThreadType, row.ThreadForm)
		if err != nil {
			return nil, apperr.Validation("invalid_thread_size").With("gauge_id", id).Wrap(err)
		}
		out[id] = pairingSpec{ThreadSpec: spec, isGo: row.IsGoGauge}
	}
	return out, nil
}

func (s *SetLifecycleService) checkPairable(sa, sb parse.ThreadSpec) error {
	for _, form := range []string{sa.Form, sb.Form} {
		if s.nonPairableForms[form] {
			return apperr.Validation("thread_form_not_pairable").With("thread_form", form)
		}
	}
	if field := sa.Mismatch(sb); field != "" {
		return apperr.Validation("thread_spec_mismatch").
			With("field", field).
			With("expected", fieldValue(sa, field)).
			With("actual", fieldValue(sb, field))
	}
	return nil
}

func fieldValue(s parse.ThreadSpec, field string) string {
	switch field {
	case "thread_size":
		return s.Size
	case "thread_class":
		return s.Class
	default:
		return s.Type
	}
}

// checkSeal enforces the mixed-seal policy. By default a mixed pair is
// allowed and reported as a warning.
func (s *SetLifecycleService) checkSeal(a, b bool) (*apperr.Warning, error) {
	if a == b {
		return nil, nil
	}
	if s.rejectMixedSeal {
		return nil, apperr.Validation("mixed_seal_status")
	}
	s.log.Warn("pairing gauges with mixed seal status")
	return &apperr.Warning{Code: "mixed_seal_status"}, nil
}

func (s *SetLifecycleService) insertGauge(tx txn.Tx, in GaugeInput, spec parse.ThreadSpec, isGo bool, setID *string, actor int64) (*model.Gauge, error) {
	gaugeID := strings.TrimSpace(in.GaugeID)
	if gaugeID == "" {
		gaugeID = "TG-" + strings.ToUpper(uuid.NewString()[:8])
	}
	taken, err := s.gauges.GaugeIDExists(tx, gaugeID)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, apperr.Conflict("gauge_id_taken").With("gauge_id", gaugeID)
	}

	now := time.Now().UTC()
	frequency := in.CalibrationFrequencyDays
	if frequency == 0 {
		frequency = s.defaultFrequency
	}
	due := in.CalibrationDueDate
	if due == nil {
		d := now.AddDate(0, 0, frequency)
		due = &d
	}
	ownership := in.OwnershipType
	if ownership == "" {
		ownership = model.OwnershipCompany
	}

	g := &model.Gauge{
		GaugeID:                  gaugeID,
		SetID:                    setID,
		EquipmentType:            model.EquipmentThreadGauge,
		Status:                   model.GaugeStatusAvailable,
		IsSealed:                 in.IsSealed,
		IsSpare:                  setID == nil,
		StorageLocation:          strings.TrimSpace(in.StorageLocation),
		OwnershipType:            ownership,
		OwnerName:                in.OwnerName,
		CalibrationFrequencyDays: frequency,
		CalibrationDueDate:       due,
		CreatedBy:                actor,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := s.gauges.Create(tx, g); err != nil {
		return nil, err
	}
	ts := &model.GaugeThreadSpecification{
		GaugeID:     g.ID,
		ThreadSize:  spec.Size,
		ThreadClass: spec.Class,
		ThreadType:  spec.Type,
		ThreadForm:  spec.Form,
		IsGoGauge:   isGo,
	}
	if err := s.gauges.CreateThreadSpec(tx, ts); err != nil {
		return nil, err
	}
	g.ThreadSpec = ts
	return g, nil
}
