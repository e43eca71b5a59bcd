package billing

const (
	operationAppend     = "append"
	operationRotate     = "rotate_cycle"
	operationEnsure     = "ensure_cycle"
	operationSettlement = "settlement"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DescriptionSalary marks the settlement debit entry for a cycle.
	DescriptionSalary = "salary"
)
