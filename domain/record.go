package domain

// BoardRecord is the persisted form of a record's board: the payload text
// exactly as stored (canonical JSON once written by this service, arbitrary
// text when produced upstream) and the revision of the last write.
type BoardRecord struct {
	RecordID string
	Payload  []byte
	Revision int64
}

// BoardSaved is published after a board write so other consumers can refresh.
type BoardSaved struct {
	RecordID string `json:"recordId"`
	Revision int64  `json:"revision"`
	Type     string `json:"type"`
}

const BoardSavedType = "board-saved"
