package domain

// ShardStats counts shards by progress.
type ShardStats struct {
	Total   int `json:"total"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

func (s *ShardStats) add(state ShardState) {
	s.Total++
	switch state {
	case ShardSuccess:
		s.Done++
	case ShardFailed, ShardAborted:
		s.Failed++
	default:
		s.Pending++
	}
}

// ShardProgress is the status of one shard as reported to callers.
type ShardProgress struct {
	Index  string     `json:"index"`
	Shard  int        `json:"shard"`
	NodeID string     `json:"node_id,omitempty"`
	State  ShardState `json:"state"`
	Token  string     `json:"token,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// IndexStatus groups shard progress of one index.
type IndexStatus struct {
	Stats  ShardStats      `json:"shard_stats"`
	Shards []ShardProgress `json:"shards"`
}

// SnapshotStatus answers GetStatus. InProgress distinguishes a live tracker
// view from a completed ledger record.
type SnapshotStatus struct {
	Repository         string                 `json:"repository"`
	Snapshot           SnapshotID             `json:"snapshot"`
	State              string                 `json:"state"`
	InProgress         bool                   `json:"in_progress"`
	IncludeGlobalState bool                   `json:"include_global_state"`
	StartTime          int64                  `json:"start_time"`
	TimeMillis         int64                  `json:"time_millis"`
	Stats              ShardStats             `json:"shard_stats"`
	Indices            map[string]IndexStatus `json:"indices"`
	Failure            string                 `json:"failure,omitempty"`
}

// AddShard records one shard in the overall and per-index statistics.
func (s *SnapshotStatus) AddShard(p ShardProgress) {
	if s.Indices == nil {
		s.Indices = make(map[string]IndexStatus)
	}
	s.Stats.add(p.State)
	idx := s.Indices[p.Index]
	idx.Stats.add(p.State)
	idx.Shards = append(idx.Shards, p)
	s.Indices[p.Index] = idx
}

// StatusFromEntry builds a live status from a tracker entry. now is Unix
// milliseconds.
func StatusFromEntry(e *Entry, now int64) *SnapshotStatus {
	st := &SnapshotStatus{
		Repository:         e.Repository,
		Snapshot:           e.Snapshot,
		State:              string(e.State),
		InProgress:         true,
		IncludeGlobalState: e.IncludeGlobalState,
		StartTime:          e.StartTime,
		TimeMillis:         max(0, now-e.StartTime),
		Indices:            make(map[string]IndexStatus),
		Failure:            e.Failure,
	}
	for _, k := range e.ShardKeys() {
		s := e.Shards[k]
		st.AddShard(ShardProgress{
			Index:  k.Index,
			Shard:  k.Shard,
			NodeID: s.NodeID,
			State:  s.State,
			Token:  s.Token,
			Reason: s.Reason,
		})
	}
	return st
}
