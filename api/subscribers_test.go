package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sweater-ventures/brainfreeze/app"
	"github.com/sweater-ventures/brainfreeze/config"
	"github.com/sweater-ventures/brainfreeze/db"
	"github.com/sweater-ventures/brainfreeze/testutil"
)

// stubChannel acknowledges every delivery.
type stubChannel struct {
	id     string
	closed bool
}

func (c *stubChannel) ID() string { return c.id }

func (c *stubChannel) Deliver(context.Context, app.Delivery) (app.Reply, error) {
	return app.Reply{Status: db.ResultSuccess}, nil
}

func (c *stubChannel) Connected() bool { return !c.closed }

func (c *stubChannel) Close() error {
	c.closed = true
	return nil
}

func subscribeStub(t *testing.T, broker *app.Application, event, id string) *stubChannel {
	t.Helper()
	ch := &stubChannel{id: "chan-" + id}
	ack := broker.Manager.Subscribe(context.Background(), app.SubscribeRequest{
		RequestID: "sub-" + id,
		SenderID:  id,
		EventName: event,
	}, ch)
	require.True(t, ack.OK())
	return ch
}

func TestListSubscribers_Empty(t *testing.T) {
	broker := testutil.NewTestApp(new(testutil.MockQuerier))

	rec := callHandler(t, broker, listSubscribersHandler, httptest.NewRequest(http.MethodGet, "/subscribers", nil))

	var resp SubscribersResponse
	body := testutil.AssertJSONResponse(t, rec, http.StatusOK, &resp)
	assert.True(t, resp.Ready)
	assert.Empty(t, resp.Subscribers)
	assert.Contains(t, string(body), `"subscribers":[]`)
}

func TestListSubscribers(t *testing.T) {
	broker := testutil.NewTestApp(new(testutil.MockQuerier), func(cfg *config.AppConfig) {
		cfg.RequiredSubscribers = []string{"billing", "audit"}
	})
	subscribeStub(t, broker, "order.created", "billing")
	subscribeStub(t, broker, "user.created", "mailer")
	subscribeStub(t, broker, "order.created", "shipping")

	t.Run("all", func(t *testing.T) {
		rec := callHandler(t, broker, listSubscribersHandler, httptest.NewRequest(http.MethodGet, "/subscribers", nil))

		var resp SubscribersResponse
		testutil.AssertJSONResponse(t, rec, http.StatusOK, &resp)
		assert.False(t, resp.Ready, "audit has not connected yet")
		require.Len(t, resp.Subscribers, 3)
		assert.Equal(t, "order.created", resp.Subscribers[0].EventName)
		assert.Equal(t, "billing", resp.Subscribers[0].SubscriberID)
		assert.Equal(t, "chan-billing", resp.Subscribers[0].ChannelID)
		assert.Equal(t, app.HandleAlive, resp.Subscribers[0].State)
		assert.Equal(t, "user.created", resp.Subscribers[2].EventName)
	})

	t.Run("filtered by event", func(t *testing.T) {
		rec := callHandler(t, broker, listSubscribersHandler, httptest.NewRequest(http.MethodGet, "/subscribers?event=user.created", nil))

		var resp SubscribersResponse
		testutil.AssertJSONResponse(t, rec, http.StatusOK, &resp)
		require.Len(t, resp.Subscribers, 1)
		assert.Equal(t, "mailer", resp.Subscribers[0].SubscriberID)
	})
}

func TestDeleteSubscriber(t *testing.T) {
	broker := testutil.NewTestApp(new(testutil.MockQuerier))
	ch := subscribeStub(t, broker, "order.created", "billing")

	t.Run("unknown", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/subscribers/order.created/nobody", nil)
		req.SetPathValue("event", "order.created")
		req.SetPathValue("id", "nobody")

		rec := callHandler(t, broker, deleteSubscriberHandler, req)
		testutil.AssertJSONError(t, rec, http.StatusNotFound, "subscriber not found")
		assert.False(t, ch.closed)
	})

	t.Run("existing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/subscribers/order.created/billing", nil)
		req.SetPathValue("event", "order.created")
		req.SetPathValue("id", "billing")

		rec := callHandler(t, broker, deleteSubscriberHandler, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.True(t, ch.closed)
		assert.Empty(t, broker.Manager.Subscribers())
	})
}
