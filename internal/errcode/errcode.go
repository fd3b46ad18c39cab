package errcode

// 证书通知中的错误码：
// - 0：成功
// - 4xxx：单张证书的数据或资源问题，重试无效，批次其余证书照常处理
// - 5xxx：系统错误，已按重试策略处理
const (
	OK              = 0
	InvalidData     = 4000
	ResourceMissing = 4004
	Conflict        = 4009
	SystemError     = 5000
	Timeout         = 5004
)

var names = map[int]string{
	OK:              "ok",
	InvalidData:     "invalid_data",
	ResourceMissing: "resource_missing",
	Conflict:        "conflict",
	SystemError:     "system_error",
	Timeout:         "timeout",
}

// Name 返回错误码的短名称，用于日志。未知错误码返回 "unknown"。
func Name(code int) string {
	if n, ok := names[code]; ok {
		return n
	}
	return "unknown"
}

// Retryable 报告该错误码对应的失败是否可能通过重新生成恢复。
// 路径冲突也算在内：重新生成会换用新的证书编号。
func Retryable(code int) bool {
	return code >= 5000 || code == Conflict
}
