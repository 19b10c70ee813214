package ratelimit

// DropReason names which budget rejected a message.
type DropReason string

const (
	DropNone     DropReason = ""
	DropMessages DropReason = "message_rate"
	DropBytes    DropReason = "byte_rate"
)

// ConnLimiter applies a message budget and a byte budget to one signaling
// connection. Each budget allows a one second burst.
type ConnLimiter struct {
	messages *TokenBucket
	bytes    *TokenBucket
}

// NewConnLimiter builds a limiter. A non-positive limit disables that budget.
func NewConnLimiter(clock Clock, messagesPerSecond, bytesPerSecond int64) *ConnLimiter {
	l := &ConnLimiter{}
	if messagesPerSecond > 0 {
		l.messages = NewTokenBucket(clock, messagesPerSecond, messagesPerSecond)
	}
	if bytesPerSecond > 0 {
		l.bytes = NewTokenBucket(clock, bytesPerSecond, bytesPerSecond)
	}
	return l
}

// Allow charges one message of size bytes. When it is rejected nothing is
// charged against the byte budget.
func (l *ConnLimiter) Allow(size int) (bool, DropReason) {
	if l == nil {
		return true, DropNone
	}
	if l.messages != nil && !l.messages.Allow(1) {
		return false, DropMessages
	}
	if l.bytes != nil && !l.bytes.Allow(int64(size)) {
		return false, DropBytes
	}
	return true, DropNone
}
