package sync

// ActivitySplit is the result of the activity pass: records partitioned
// by their subscription-activity flag. All carries every record; being
// inactive never excludes a record from creation or update.
type ActivitySplit struct {
	Active   []ValidatedRecord
	Inactive []ValidatedRecord
	All      []ValidatedRecord
}

// SplitByActivity partitions records on the active_sub flag. Every
// record lands in exactly one of Active/Inactive and always in All.
func SplitByActivity(records []ValidatedRecord) ActivitySplit {
	split := ActivitySplit{All: records}
	for _, rec := range records {
		if rec.ActiveSub {
			split.Active = append(split.Active, rec)
		} else {
			split.Inactive = append(split.Inactive, rec)
		}
	}
	return split
}

// Categorized buckets records by the write kind they need against the
// remote store. Every input record lands in exactly one bucket, so
// len(Create)+len(Update) always equals the input length.
type Categorized struct {
	Create []ValidatedRecord
	Update []ValidatedRecord
}

// Categorize classifies each record against the remote existence sets:
// CREATE when either side (account id or contact email) is missing
// remotely, UPDATE when both exist. Inactive records categorize like any
// other: their remote subscription state still has to be synchronized.
func Categorize(records []ValidatedRecord, existing ExistenceSets) Categorized {
	var cat Categorized
	for _, rec := range records {
		if !existing.HasAccount(rec.UserID) || !existing.HasContact(rec.Email) {
			cat.Create = append(cat.Create, rec)
		} else {
			cat.Update = append(cat.Update, rec)
		}
	}
	return cat
}

// DeactivationCandidates maps business id → candidate for every locally
// inactive record. Whether a candidate becomes a write depends on the
// remote store still showing that account active.
func DeactivationCandidates(inactive []ValidatedRecord) map[string]DeactivationCandidate {
	candidates := make(map[string]DeactivationCandidate, len(inactive))
	for _, rec := range inactive {
		payload, ok := accountPayload(rec)
		if !ok {
			continue
		}
		candidates[rec.UserID] = DeactivationCandidate{
			UserID:  rec.UserID,
			Payload: payload,
		}
	}
	return candidates
}

// SelectDeactivations intersects the candidate map with the business ids
// the remote store reports as currently active. Only accounts inactive
// locally AND active remotely produce a write.
func SelectDeactivations(candidates map[string]DeactivationCandidate, remoteActive []string) []DeactivationCandidate {
	var selected []DeactivationCandidate
	for _, id := range remoteActive {
		if cand, ok := candidates[id]; ok {
			selected = append(selected, cand)
		}
	}
	return selected
}
