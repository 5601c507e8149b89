package runner

// Status is the result Status
type Status int

// Result Status for program runner
const (
	StatusInvalid Status = iota // 0 not initialized
	// Normal
	StatusNormal // 1 normal

	// Resource Limit Exceeded
	StatusTimeLimitExceeded   // 2 tle
	StatusMemoryLimitExceeded // 3 mle
	StatusOutputLimitExceeded // 4 ole

	// Runtime Error
	StatusSignalled         // 5 signalled
	StatusNonzeroExitStatus // 6 nonzero exit status

	// Program Runner Error
	StatusRunnerError // 7 runner error
)

var statusString = []string{
	"Invalid",
	"",
	"Time Limit Exceeded",
	"Memory Limit Exceeded",
	"Output Limit Exceeded",
	"Signalled",
	"Nonzero Exit Status",
	"Runner Error",
}

func (t Status) String() string {
	i := int(t)
	if i >= 0 && i < len(statusString) {
		return statusString[i]
	}
	return statusString[0]
}

func (t Status) Error() string {
	return t.String()
}
