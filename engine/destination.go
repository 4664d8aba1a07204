package engine

// =============================================================================
// DESTINATION INVARIANT - Exactly one of {client, depot}
// =============================================================================

// ValidateDestination checks the exactly-one-destination invariant on a
// record about to be committed.
func ValidateDestination(r *DeliveryRecord) error {
	if r.ClientID != "" && r.DepotID != "" {
		return ErrInvalidDestination
	}
	if r.ClientID == "" && r.DepotID == "" {
		return ErrInvalidDestination
	}
	return nil
}

// applyDestinationChange applies the destination part of an update onto rec.
//
// Switching destination normalizes rather than rejects: setting a depot on a
// record that currently delivers to a client clears the client field (and
// vice versa), mirroring how a "switch destination" edit must behave. The
// update only fails when the caller explicitly asks for both destinations
// at once, or explicitly clears both.
func applyDestinationChange(rec *DeliveryRecord, ch Changes) error {
	newClient := ch.ClientID != nil && *ch.ClientID != ""
	newDepot := ch.DepotID != nil && *ch.DepotID != ""

	if newClient && newDepot {
		return ErrInvalidDestinationChange
	}

	if ch.ClientID != nil {
		rec.ClientID = *ch.ClientID
	}
	if ch.DepotID != nil {
		rec.DepotID = *ch.DepotID
	}

	// Normalize: a newly selected destination evicts the other side.
	if newClient {
		rec.DepotID = ""
	}
	if newDepot {
		rec.ClientID = ""
	}

	if rec.ClientID != "" && rec.DepotID != "" {
		return ErrInvalidDestinationChange
	}
	if rec.ClientID == "" && rec.DepotID == "" {
		return ErrInvalidDestination
	}
	return nil
}
