package log

import (
	"github.com/golang/glog"
	"github.com/hashicorp/go-retryablehttp"
)

var _ retryablehttp.LeveledLogger = retryableHTTPLogger{}

// retryableHTTPLogger keeps the leader client quiet unless verbosity is raised
type retryableHTTPLogger struct {
	component string
}

func NewRetryableHTTPLogger(component string) retryablehttp.LeveledLogger {
	return retryableHTTPLogger{component: component}
}

func (r retryableHTTPLogger) log(msg string, keysAndValues []interface{}) {
	LogNoRequestID(msg, append([]interface{}{"component", r.component}, keysAndValues...)...)
}

func (r retryableHTTPLogger) Error(msg string, keysAndValues ...interface{}) {
	if glog.V(3) {
		r.log(msg, keysAndValues)
	}
}

func (r retryableHTTPLogger) Warn(msg string, keysAndValues ...interface{}) {
	if glog.V(4) {
		r.log(msg, keysAndValues)
	}
}

func (r retryableHTTPLogger) Info(msg string, keysAndValues ...interface{}) {
	if glog.V(5) {
		r.log(msg, keysAndValues)
	}
}

func (r retryableHTTPLogger) Debug(msg string, keysAndValues ...interface{}) {
	if glog.V(6) {
		r.log(msg, keysAndValues)
	}
}
