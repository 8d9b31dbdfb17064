package tools

// Result is the unified return type from tool execution (§3 ToolResult).
type Result struct {
	Success bool   `json:"success"`
	Result  string `json:"result"`
}

func success(output string) *Result { return &Result{Success: true, Result: output} }
func failure(message string) *Result { return &Result{Success: false, Result: message} }
