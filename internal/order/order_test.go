package order

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrder_HappyPathFillSequence(t *testing.T) {
	o := &Order{ID: 1, Status: StatusNew, Quantity: decimal.NewFromInt(10)}

	require.NoError(t, o.Transition(StatusSubmitted, ConditionSubmit))
	require.NoError(t, o.Transition(StatusPartiallyFilled, ConditionPartialFill))
	require.NoError(t, o.Transition(StatusFilled, ConditionFill))
	assert.Equal(t, StatusFilled, o.Status)
}

func TestOrder_TerminalStatesRejectFurtherTransitions(t *testing.T) {
	o := &Order{ID: 2, Status: StatusFilled}
	err := o.Transition(StatusCanceled, ConditionCancel)
	assert.Error(t, err)
}

func TestOrder_CancelBeforeFill(t *testing.T) {
	o := &Order{ID: 3, Status: StatusNew}
	require.NoError(t, o.Transition(StatusSubmitted, ConditionSubmit))
	require.NoError(t, o.Transition(StatusCanceled, ConditionCancel))
	assert.True(t, o.Status.IsTerminal())
}

func TestOrder_InvalidConditionRejected(t *testing.T) {
	o := &Order{ID: 4, Status: StatusNew}
	err := o.Transition(StatusFilled, ConditionFill)
	assert.Error(t, err, "New cannot jump straight to Filled")
}

func TestOrder_Clone_IsIndependent(t *testing.T) {
	o := &Order{ID: 5, Status: StatusNew, BrokerIDs: []string{"a"}}
	clone := o.Clone()
	clone.BrokerIDs[0] = "b"
	assert.Equal(t, "a", o.BrokerIDs[0])
}

func TestTicket_ResponseHistory(t *testing.T) {
	o := &Order{ID: 6, Status: StatusNew}
	ticket := NewTicket(o)
	ticket.AddResponse(Response{UtcTime: time.Now(), Success: true, Message: "submitted"})
	ticket.AddResponse(Response{UtcTime: time.Now(), Success: false, Message: "rejected"})

	last, ok := ticket.LastResponse()
	require.True(t, ok)
	assert.False(t, last.Success)
	assert.Len(t, ticket.Responses(), 2)
}
