package sqlite

import "time"

// StateChangeEvent reports a connection state transition.
type StateChangeEvent struct {
	Previous ConnectionState
	Current  ConnectionState
}

// StatementCompletedEvent reports one statement run to completion.
type StatementCompletedEvent struct {
	SQL      string
	Duration time.Duration
}

// OnStateChange registers fn to run after every distinct state transition.
func (c *Connection) OnStateChange(fn func(StateChangeEvent)) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	c.stateHandlers = append(c.stateHandlers, fn)
}

// OnStatementCompleted registers fn to run whenever a statement of this
// connection finishes stepping.
func (c *Connection) OnStatementCompleted(fn func(StatementCompletedEvent)) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	c.statementHandlers = append(c.statementHandlers, fn)
}

func (c *Connection) fireStateChange(e StateChangeEvent) {
	c.eventsMu.Lock()
	handlers := c.stateHandlers
	c.eventsMu.Unlock()
	for _, fn := range handlers {
		fn(e)
	}
}

func (c *Connection) fireStatementCompleted(e StatementCompletedEvent) {
	c.eventsMu.Lock()
	handlers := c.statementHandlers
	c.eventsMu.Unlock()
	for _, fn := range handlers {
		fn(e)
	}
}
