package dispatch

// Lane is the transport strategy chosen for an operation.
type Lane string

const (
	LaneRealtime Lane = "realtime"
	LaneDurable  Lane = "durable"
	LaneHybrid   Lane = "hybrid"
)

// Taxonomy maps operation names to lanes. Operations absent from the table
// are hybrid.
type Taxonomy map[string]Lane

// NewTaxonomy builds a table from three operation sets. A name listed in
// more than one set resolves realtime first, then durable, then hybrid.
func NewTaxonomy(realtime, durable, hybrid []string) Taxonomy {
	t := make(Taxonomy, len(realtime)+len(durable)+len(hybrid))
	for _, op := range hybrid {
		t[op] = LaneHybrid
	}
	for _, op := range durable {
		t[op] = LaneDurable
	}
	for _, op := range realtime {
		t[op] = LaneRealtime
	}
	return t
}

// DefaultTaxonomy returns the built-in operation table.
func DefaultTaxonomy() Taxonomy {
	return NewTaxonomy(
		[]string{
			"MUSIC_PLAY",
			"MUSIC_PAUSE",
			"MUSIC_SKIP",
			"MUSIC_STOP",
			"MUSIC_VOLUME",
			"GET_USER_STATUS",
			"GET_PRESENCE",
			"GET_VOICE_STATE",
			"BUTTON_ACK",
			"SELECT_MENU_ACK",
			"MODAL_ACK",
			"INTERACTION_ACK",
		},
		[]string{
			"BULK_BAN",
			"BULK_KICK",
			"BULK_ROLE_ASSIGN",
			"BULK_MESSAGE_DELETE",
			"SCHEDULED_MESSAGE",
			"SCHEDULED_ANNOUNCEMENT",
			"REMINDER_DELIVERY",
			"DATA_EXPORT",
			"BACKUP_CREATE",
			"GUILD_CONFIG_MIGRATION",
			"AUDIT_LOG_CLEANUP",
		},
		[]string{
			"BAN_USER",
			"KICK_USER",
			"TIMEOUT_USER",
			"WARN_USER",
			"SEND_MESSAGE",
			"EDIT_MESSAGE",
			"DELETE_MESSAGE",
			"CREATE_CASE",
			"UPDATE_CONFIG",
			"ADD_ROLE",
			"REMOVE_ROLE",
		},
	)
}

// Classify returns the lane for op, defaulting to hybrid.
func (t Taxonomy) Classify(op string) Lane {
	if lane, ok := t[op]; ok {
		return lane
	}
	return LaneHybrid
}

// SelectLane applies caller options on top of the table. RequireReliability
// wins over PreferRealTime; PreferRealTime only reaches the realtime lane for
// realtime operations and otherwise yields hybrid.
//
// The hybrid lane also enqueues durably, so PreferRealTime never takes a
// durable operation off the queue. It only changes the reported Method: a
// BULK_BAN with PreferRealTime is still enqueued but reports MethodHybrid.
func (t Taxonomy) SelectLane(op string, opts Options) Lane {
	switch {
	case opts.RequireReliability:
		return LaneDurable
	case opts.PreferRealTime:
		if t.Classify(op) == LaneRealtime {
			return LaneRealtime
		}
		return LaneHybrid
	default:
		return t.Classify(op)
	}
}
