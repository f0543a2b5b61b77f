package log

// 構造化ログのフィールド名
const (
	FieldComponent = "component"
	FieldSource    = "source"
	FieldJobID     = "job_id"
	FieldRecordID  = "record_id"
	FieldSessionID = "session_id"
	FieldOperator  = "operator"
	FieldCategory  = "category"
	FieldCode      = "code"
	FieldMode      = "mode"
	FieldStrategy  = "strategy"
	FieldPath      = "path"
	FieldOutcome   = "outcome"
	FieldOldState  = "old_state"
	FieldNewState  = "new_state"
)
