package protocol

// --- JSON structures exchanged with a worker ---

// Version is the protocol version stamped on every message.
const Version = 1

// Action tags a request with the operation the worker should perform.
type Action string

const (
	ActionOpen      Action = "open"
	ActionExec      Action = "exec"
	ActionEach      Action = "each"
	ActionExport    Action = "export"
	ActionClose     Action = "close"
	ActionPing      Action = "ping"
	ActionPrepare   Action = "prepare"
	ActionQuery     Action = "query"
	ActionRun       Action = "run"
	ActionBegin     Action = "begin_tx"
	ActionCommit    Action = "commit"
	ActionRollback  Action = "rollback"
	ActionCloseStmt Action = "close_stmt"
	ActionReset     Action = "reset"
)

// Request defines the structure for messages sent to a worker.
type Request struct {
	Version  int              `json:"v"`
	ID       string           `json:"id"`
	Action   Action           `json:"action"`
	SQL      string           `json:"sql,omitempty"`
	Params   []Value          `json:"params,omitempty"`
	Named    map[string]Value `json:"named,omitempty"`
	Buffer   []byte           `json:"buffer,omitempty"` // Database image for 'open'
	Path     string           `json:"path,omitempty"`   // Database location for 'open'
	StmtID   string           `json:"stmt_id,omitempty"`
	TxID     string           `json:"tx_id,omitempty"`
	ReadOnly bool             `json:"read_only,omitempty"` // For 'begin_tx'
}

// Response defines the structure for messages posted back by a worker.
// A worker announces itself with a Response that has an empty ID and
// Ready set (or Error set when its initialization failed).
type Response struct {
	Version      int         `json:"v"`
	ID           string      `json:"id"`
	Ready        bool        `json:"ready,omitempty"`
	Results      []ResultSet `json:"results,omitempty"`
	Columns      []string    `json:"columns,omitempty"`  // For 'each' rows
	Row          []Value     `json:"row,omitempty"`      // For 'each' rows
	Finished     bool        `json:"finished,omitempty"` // Last message of an 'each' stream
	Buffer       []byte      `json:"buffer,omitempty"`   // For 'export'
	StmtID       string      `json:"stmt_id,omitempty"`  // For 'prepare'
	TxID         string      `json:"tx_id,omitempty"`    // For 'begin_tx'
	LastInsertID int64       `json:"last_insert_id,omitempty"`
	RowsAffected int64       `json:"rows_affected,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// ResultSet holds the rows produced by one statement.
type ResultSet struct {
	Columns []string  `json:"columns"`
	Values  [][]Value `json:"values"`
}

// Rows returns the result values unwrapped to plain Go values.
func (rs ResultSet) Rows() [][]any {
	rows := make([][]any, len(rs.Values))
	for i, row := range rs.Values {
		rows[i] = Unwrap(row)
	}
	return rows
}
