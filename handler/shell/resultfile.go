package shell

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/c360studio/otaagent/result"
)

// ReadResultFile reads the result triple a subprocess handler wrote at
// path (conventionally <sandbox>/aduc_result.json). A missing or
// unparseable file is a failure with the parse-result-file code; a
// parseable file is returned verbatim after the silent-success rewrite.
func ReadResultFile(path string) result.Result {
	data, err := os.ReadFile(path)
	if err != nil {
		return result.Failure(result.ExtendedParseResultFile,
			fmt.Sprintf("result file %s: %v", path, err))
	}

	var r result.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return result.Failure(result.ExtendedParseResultFile,
			fmt.Sprintf("result file %s: %v", path, err))
	}
	return result.Normalize(r)
}
