package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/satstall/satstall/models/orders"
	"gitlab.com/satstall/satstall/pay"
	"gitlab.com/satstall/satstall/testutil"
)

func TestInvoiceStream(t *testing.T) {
	server, database := newTestServer(t, &testutil.MockDriver{})

	order, err := orders.Insert(database, testutil.MockLightningOrder(t))
	require.NoError(t, err)
	ref := *order.PaymentHash

	deliver := func(status pay.Status) {
		require.NoError(t, server.watchers.Deliver(pay.Update{Ref: ref, Status: status}))
	}

	// history committed before the client connects
	deliver(pay.StatusMempool)
	deliver(pay.StatusConfirmed)

	ts := httptest.NewServer(server.Router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/invoices/" + ref + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := make(chan statusFrame, 16)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var frame statusFrame
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &frame) == nil {
				frames <- frame
			}
		}
	}()

	next := func() statusFrame {
		t.Helper()
		select {
		case frame := <-frames:
			return frame
		case <-time.After(5 * time.Second):
			t.Fatal("no status frame arrived")
			return statusFrame{}
		}
	}

	first := next()
	assert.Equal(t, orders.CONFIRMED, first.Status, "stream opens with the current status")
	assert.Equal(t, order.ID, first.OrderID)

	deliver(pay.StatusPaid)
	assert.Equal(t, orders.PAID, next().Status,
		"replayed history must not surface between the opening frame and live events")

	_, err = server.machine.AdminSet(order.ID, orders.PREPARATION, "", "")
	require.NoError(t, err)
	assert.Equal(t, orders.PREPARATION, next().Status)

	_, err = server.machine.AdminSet(order.ID, orders.SHIPPED, "DHL", "JD1234")
	require.NoError(t, err)
	assert.Equal(t, orders.SHIPPED, next().Status)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after the terminal status")
	}

	select {
	case frame := <-frames:
		t.Fatalf("unexpected extra frame %s after the terminal status", frame.Status)
	default:
	}
}

func TestInvoiceStreamTerminalOrderClosesImmediately(t *testing.T) {
	server, database := newTestServer(t, &testutil.MockDriver{})

	order, err := orders.Insert(database, testutil.MockLightningOrder(t))
	require.NoError(t, err)
	require.NoError(t, server.watchers.Deliver(pay.Update{
		Ref: *order.PaymentHash, Status: pay.StatusFailed,
	}))

	ts := httptest.NewServer(server.Router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/invoices/" + *order.PaymentHash + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []orders.Status
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var frame statusFrame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &frame))
		got = append(got, frame.Status)
	}
	assert.Equal(t, []orders.Status{orders.FAILED}, got,
		"a terminal order gets its snapshot frame and nothing else")
}
