package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/pkg/utils"
)

func testLogger() *utils.Logger {
	return utils.InitLogger(utils.LogConfig{Level: "error", Format: "json"})
}

// newTestClient создаёт клиента без WebSocket соединения:
// проверяем нумерацию и маршрутизацию, не транспорт
func newTestClient(hub *Hub, channels ...string) *Client {
	c := &Client{
		hub:  hub,
		log:  hub.log,
		send: make(chan []byte, clientSendBufferSize),
	}
	c.setSubscriptions(channels)
	return c
}

// drain вычитывает все сообщения клиента
func drain(t *testing.T, c *Client) []Envelope {
	t.Helper()

	var out []Envelope
	for {
		select {
		case data := <-c.send:
			var env Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

// Seq строго возрастает в пределах соединения и не имеет дыр
func TestClient_SeqStrictlyIncreasing(t *testing.T) {
	hub := NewHub("srv-1", testLogger())
	c := newTestClient(hub, ChannelEquity)

	for i := 0; i < 10; i++ {
		require.True(t, c.sendEnvelope(ChannelEquity, i))
	}

	envs := drain(t, c)
	require.Len(t, envs, 10)
	for i, env := range envs {
		assert.Equal(t, int64(i+1), env.Seq, "gap-free monotonic seq")
	}
}

// У каждого соединения СВОЯ последовательность
func TestPerConnectionSequences(t *testing.T) {
	hub := NewHub("srv-1", testLogger())
	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	a := newTestClient(hub, ChannelEquity)
	b := newTestClient(hub, ChannelEquity)

	hub.register <- a
	waitFanout(t, a, 2) // handshake + snapshot

	// Второй клиент подключается позже - часть публикаций он не видит,
	// но его собственная последовательность начинается с 1 без дыр
	hub.Publish(ChannelEquity, "one")
	waitFanout(t, a, 3)

	hub.register <- b
	waitFanout(t, b, 2)

	hub.Publish(ChannelEquity, "two")
	waitFanout(t, a, 4)
	waitFanout(t, b, 3)

	seqOK := func(envs []Envelope) {
		var prev int64
		for _, e := range envs {
			assert.Equal(t, prev+1, e.Seq)
			prev = e.Seq
		}
	}
	seqOK(drain(t, a))
	seqOK(drain(t, b))
}

// waitLatest ждёт, пока hub обработает публикацию канала
func waitLatest(t *testing.T, hub *Hub, channel string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		hub.latestMu.RLock()
		_, ok := hub.latest[channel]
		hub.latestMu.RUnlock()
		if ok {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for channel %s publication", channel)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// waitFanout ждёт, пока у клиента накопится n сообщений
func waitFanout(t *testing.T, c *Client, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if len(c.send) >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %d messages, have %d", n, len(c.send))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Подписка: HANDSHAKE первым, затем SNAPSHOT с next_seq
func TestRegister_HandshakeThenSnapshot(t *testing.T) {
	hub := NewHub("srv-77", testLogger())
	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	// Значение канала существует до подключения
	hub.Publish(ChannelRegime, "trend")
	waitLatest(t, hub, ChannelRegime)

	c := newTestClient(hub, ChannelRegime)
	hub.register <- c
	waitFanout(t, c, 2)

	envs := drain(t, c)
	require.GreaterOrEqual(t, len(envs), 2)

	assert.Equal(t, ChannelHandshake, envs[0].Channel)
	assert.Equal(t, int64(1), envs[0].Seq)

	assert.Equal(t, ChannelSnapshot, envs[1].Channel)
	assert.Equal(t, int64(2), envs[1].Seq)

	// next_seq снапшота указывает на следующее инкрементальное сообщение
	snap, ok := envs[1].Payload.(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 3, snap["next_seq"])

	channels, ok := snap["channels"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "trend", channels[ChannelRegime])
}

// Маршрутизация: клиент получает только подписанные каналы
func TestFanOut_SubscriptionFiltering(t *testing.T) {
	hub := NewHub("srv-1", testLogger())
	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	equityOnly := newTestClient(hub, ChannelEquity)
	hub.register <- equityOnly
	waitFanout(t, equityOnly, 2)
	drain(t, equityOnly)

	hub.Publish(ChannelEquity, "eq")
	hub.Publish(ChannelOrders, "ord")
	hub.Publish(MarketChannelPrefix+"AAPL", "bar")

	waitFanout(t, equityOnly, 1)
	time.Sleep(20 * time.Millisecond) // даём лишним сообщениям шанс прийти

	envs := drain(t, equityOnly)
	require.Len(t, envs, 1)
	assert.Equal(t, ChannelEquity, envs[0].Channel)
}

// RESYNC: целостный снапшот вместо пропущенных сообщений
func TestResync_SnapshotAfterGap(t *testing.T) {
	hub := NewHub("srv-1", testLogger())
	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	c := newTestClient(hub, ChannelEquity)
	hub.register <- c
	waitFanout(t, c, 2)
	drain(t, c)

	hub.Publish(ChannelEquity, "42")
	waitFanout(t, c, 1)
	drain(t, c)

	// Клиент сообщает о дыре
	c.sendSnapshot(hub.snapshotFor(c))

	envs := drain(t, c)
	require.Len(t, envs, 1)
	assert.Equal(t, ChannelSnapshot, envs[0].Channel)

	snap := envs[0].Payload.(map[string]interface{})
	channels := snap["channels"].(map[string]interface{})
	assert.Equal(t, "42", channels[ChannelEquity], "snapshot carries the current value")
}

// Медленный клиент отключается, дыр в seq не остаётся
func TestSlowClientRemoved(t *testing.T) {
	hub := NewHub("srv-1", testLogger())
	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	slow := &Client{
		hub:  hub,
		log:  hub.log,
		send: make(chan []byte, 1), // крошечный буфер
	}
	slow.setSubscriptions([]string{ChannelEquity})
	hub.register <- slow

	for i := 0; i < 20; i++ {
		hub.Publish(ChannelEquity, i)
	}

	// Hub в итоге выбрасывает не успевающего клиента
	deadline := time.After(2 * time.Second)
	for hub.ClientCount() > 0 {
		select {
		case <-deadline:
			t.Fatal("slow client was not removed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// 50+ наблюдателей: у каждого монотонный независимый seq
func TestManyObserversSeqMonotonic(t *testing.T) {
	hub := NewHub("srv-1", testLogger())
	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	const observers = 60
	clients := make([]*Client, 0, observers)
	for i := 0; i < observers; i++ {
		c := newTestClient(hub, ChannelEquity, ChannelOrders)
		hub.register <- c
		clients = append(clients, c)
	}

	for i := 0; i < 10; i++ {
		hub.Publish(ChannelEquity, i)
		hub.Publish(ChannelOrders, i)
	}

	// handshake + snapshot + 20 публикаций
	for _, c := range clients {
		waitFanout(t, c, 22)
	}

	for i, c := range clients {
		envs := drain(t, c)
		var prev int64
		for _, e := range envs {
			require.Equal(t, prev+1, e.Seq, "observer %d has a sequence gap", i)
			prev = e.Seq
		}
	}
}
