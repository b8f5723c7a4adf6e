package mav_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/mav"
	"github.com/outofforest/mav/schema"
	"github.com/outofforest/mav/transport"
	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
)

const (
	vehicleSystemID  = 1
	vehicleUID       = uint64(0x1122334455667788)
	vehicleParameter = int32(4001)
	timeout          = 5 * time.Second
)

func heartbeatMessage(requireT *require.Assertions, dict *schema.Dictionary, typ string) *mav.Message {
	mavType, err := dict.Enum(typ)
	requireT.NoError(err)
	autopilot, err := dict.Enum("MAV_AUTOPILOT_INVALID")
	requireT.NoError(err)

	m := newMessage(requireT, dict, "HEARTBEAT")
	requireT.NoError(m.SetFields(map[string]any{
		"type":            mavType,
		"autopilot":       autopilot,
		"mavlink_version": 3,
	}))
	return m
}

// respond implements the vehicle side of the conversation.
func respond(requireT *require.Assertions, dict *schema.Dictionary, c *mav.Connection, m *mav.Message) {
	switch m.Name() {
	case "COMMAND_LONG":
		requested, err := mav.Get[uint32](m, "param1")
		requireT.NoError(err)
		versionID, err := dict.IDForName("AUTOPILOT_VERSION")
		requireT.NoError(err)
		if requested != versionID {
			return
		}

		reply := newMessage(requireT, dict, "AUTOPILOT_VERSION")
		requireT.NoError(reply.SetFields(map[string]any{
			"uid":               vehicleUID,
			"flight_sw_version": 0x01020304,
			"uid2":              []uint8{1, 2, 3},
		}))
		requireT.NoError(c.Send(reply))
	case "PARAM_REQUEST_READ":
		paramID, err := m.String("param_id")
		requireT.NoError(err)

		reply := newMessage(requireT, dict, "PARAM_VALUE")
		requireT.NoError(reply.SetString("param_id", paramID))
		requireT.NoError(mav.Pack(reply, "param_value", vehicleParameter))
		requireT.NoError(mav.Set(reply, "param_count", 1))
		requireT.NoError(c.Send(reply))
	}
}

func TestVehicleConversationOverUDP(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	dict := loadDictionary(requireT)

	server, err := transport.ListenUDP("127.0.0.1:0")
	requireT.NoError(err)
	client, err := transport.DialUDP(server.Addr().String())
	requireT.NoError(err)

	gcs, err := mav.NewRuntime(mav.Config{
		Dictionary:        dict,
		Transports:        []transport.Transport{server},
		Heartbeat:         heartbeatMessage(requireT, dict, "MAV_TYPE_GCS"),
		HeartbeatInterval: 100 * time.Millisecond,
	})
	requireT.NoError(err)

	vehicleRuntime, err := mav.NewRuntime(mav.Config{
		Dictionary:        dict,
		Transports:        []transport.Transport{client},
		SystemID:          vehicleSystemID,
		ComponentID:       1,
		Heartbeat:         heartbeatMessage(requireT, dict, "MAV_TYPE_GCS"),
		HeartbeatInterval: 100 * time.Millisecond,
	})
	requireT.NoError(err)

	vehicleConnCh := make(chan *mav.Connection, 1)
	vehicleRuntime.OnConnection(func(c *mav.Connection) {
		_, err := c.Subscribe(func(m *mav.Message) {
			respond(requireT, dict, c, m)
		})
		requireT.NoError(err)
		vehicleConnCh <- c
	})

	group.Spawn("gcs", parallel.Fail, gcs.Run)
	group.Spawn("vehicle", parallel.Fail, vehicleRuntime.Run)

	c, err := gcs.AwaitConnection(ctx, timeout)
	requireT.NoError(err)

	// Vehicle learns about the ground station from its heartbeat.
	select {
	case vc := <-vehicleConnCh:
		requireT.Equal(transport.PeerID(server.Addr().String()), vc.Peer())
	case <-ctx.Done():
		requireT.FailNow("vehicle did not see ground station")
	}

	hb, err := c.Receive(ctx, "HEARTBEAT", timeout)
	requireT.NoError(err)
	requireT.EqualValues(vehicleSystemID, hb.SystemID)

	t.Run("autopilotVersion", func(t *testing.T) {
		requireT := require.New(t)

		requestMessage, err := dict.Enum("MAV_CMD_REQUEST_MESSAGE")
		requireT.NoError(err)
		versionID, err := dict.IDForName("AUTOPILOT_VERSION")
		requireT.NoError(err)

		exp, err := c.Expect("AUTOPILOT_VERSION")
		requireT.NoError(err)

		command := newMessage(requireT, dict, "COMMAND_LONG")
		requireT.NoError(command.SetFields(map[string]any{
			"target_system":    vehicleSystemID,
			"target_component": 1,
			"command":          requestMessage,
			"param1":           versionID,
		}))
		requireT.NoError(c.Send(command))

		version, err := c.ReceiveExpectation(ctx, exp, timeout)
		requireT.NoError(err)
		requireT.EqualValues(vehicleSystemID, version.SystemID)

		uid, err := mav.Get[uint64](version, "uid")
		requireT.NoError(err)
		requireT.Equal(vehicleUID, uid)

		swVersion, err := mav.Get[uint32](version, "flight_sw_version")
		requireT.NoError(err)
		requireT.Equal(uint32(0x01020304), swVersion)

		uid2, err := mav.GetArray[uint8](version, "uid2")
		requireT.NoError(err)
		requireT.Equal([]uint8{1, 2, 3}, uid2[:3])
	})

	t.Run("parameter", func(t *testing.T) {
		requireT := require.New(t)

		exp, err := c.Expect("PARAM_VALUE", mav.Field("param_id", "SYS_AUTOSTART"))
		requireT.NoError(err)

		request := newMessage(requireT, dict, "PARAM_REQUEST_READ")
		requireT.NoError(request.SetFields(map[string]any{
			"target_system":    vehicleSystemID,
			"target_component": 1,
			"param_id":         "SYS_AUTOSTART",
			"param_index":      -1,
		}))
		requireT.NoError(c.Send(request))

		value, err := c.ReceiveExpectation(ctx, exp, timeout)
		requireT.NoError(err)

		param, err := mav.Unpack[int32](value, "param_value")
		requireT.NoError(err)
		requireT.Equal(vehicleParameter, param)
	})

	requireT.Len(gcs.Connections(), 1)
	requireT.Same(dict, gcs.Dictionary())
}

func TestAwaitConnectionTimeout(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	runtime, err := mav.NewRuntime(mav.Config{
		Dictionary: loadDictionary(requireT),
		Transports: []transport.Transport{transport.NewMemory(transport.Server, "")},
	})
	requireT.NoError(err)
	group.Spawn("runtime", parallel.Fail, runtime.Run)

	_, err = runtime.AwaitConnection(ctx, 0)
	requireT.ErrorIs(err, mav.ErrTimeout)
	_, err = runtime.AwaitConnection(ctx, 20*time.Millisecond)
	requireT.ErrorIs(err, mav.ErrTimeout)
	requireT.Empty(runtime.Connections())
}

func TestClientSendsHeartbeatFirst(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	dict := loadDictionary(requireT)
	tr := transport.NewMemory(transport.Client, "autopilot")

	runtime, err := mav.NewRuntime(mav.Config{
		Dictionary:        dict,
		Transports:        []transport.Transport{tr},
		Heartbeat:         heartbeatMessage(requireT, dict, "MAV_TYPE_GCS"),
		HeartbeatInterval: 10 * time.Millisecond,
	})
	requireT.NoError(err)
	group.Spawn("runtime", parallel.Fail, runtime.Run)

	for range 2 {
		select {
		case p := <-tr.Outbound():
			requireT.Equal(transport.PeerID("autopilot"), p.Peer)
			m, err := mav.Decode(dict, p.Data)
			requireT.NoError(err)
			requireT.Equal("HEARTBEAT", m.Name())
			requireT.EqualValues(mav.DefaultSystemID, m.SystemID)
			requireT.EqualValues(mav.DefaultComponentID, m.ComponentID)
		case <-ctx.Done():
			requireT.FailNow("heartbeat not sent")
		}
	}

	// Connection is reported only once the peer talks.
	requireT.Empty(runtime.Connections())

	runtime.SetHeartbeat(nil)
	time.Sleep(50 * time.Millisecond)
	for len(tr.Outbound()) > 0 {
		<-tr.Outbound()
	}
	time.Sleep(50 * time.Millisecond)
	requireT.Empty(tr.Outbound())
}

func TestOnConnection(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	dict := loadDictionary(requireT)
	tr := transport.NewMemory(transport.Server, "")

	runtime, err := mav.NewRuntime(mav.Config{
		Dictionary: dict,
		Transports: []transport.Transport{tr},
	})
	requireT.NoError(err)

	connCh := make(chan *mav.Connection, 10)
	runtime.OnConnection(func(c *mav.Connection) {
		connCh <- c
	})
	group.Spawn("runtime", parallel.Fail, runtime.Run)

	frame := heartbeatMessage(requireT, dict, "MAV_TYPE_GCS").Encode()
	for _, peer := range []transport.PeerID{"a", "b", "a"} {
		requireT.NoError(tr.Deliver(ctx, peer, frame))
	}

	peers := map[transport.PeerID]bool{}
	for range 2 {
		select {
		case c := <-connCh:
			peers[c.Peer()] = true
		case <-ctx.Done():
			requireT.FailNow("connection not reported")
		}
	}
	requireT.Equal(map[transport.PeerID]bool{"a": true, "b": true}, peers)

	first, err := runtime.AwaitConnection(ctx, 0)
	requireT.NoError(err)
	requireT.Equal(transport.PeerID("a"), first.Peer())
}

func TestRuntimeTeardown(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)

	ctx, cancel := context.WithCancel(qa.NewContext(t))
	defer cancel()

	dict := loadDictionary(requireT)
	tr := transport.NewMemory(transport.Server, "")

	runtime, err := mav.NewRuntime(mav.Config{
		Dictionary: dict,
		Transports: []transport.Transport{tr},
	})
	requireT.NoError(err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runtime.Run(ctx)
	}()

	requireT.NoError(tr.Deliver(ctx, "a", heartbeatMessage(requireT, dict, "MAV_TYPE_GCS").Encode()))
	c, err := runtime.AwaitConnection(ctx, timeout)
	requireT.NoError(err)

	receiveErrCh := make(chan error, 1)
	go func() {
		_, err := c.Receive(context.Background(), "PARAM_VALUE", mav.WaitForever)
		receiveErrCh <- err
	}()

	cancel()
	<-errCh

	requireT.ErrorIs(<-receiveErrCh, mav.ErrConnectionClosed)
	requireT.ErrorIs(c.Send(heartbeatMessage(requireT, dict, "MAV_TYPE_GCS")), mav.ErrConnectionClosed)
	requireT.Empty(runtime.Connections())

	requireT.ErrorIs(runtime.Run(context.Background()), mav.ErrAlreadyStarted)
}

func TestAwaitConnectionOnStoppedRuntime(t *testing.T) {
	t.Parallel()

	requireT := require.New(t)

	ctx, cancel := context.WithCancel(qa.NewContext(t))
	runtime, err := mav.NewRuntime(mav.Config{
		Dictionary: loadDictionary(requireT),
		Transports: []transport.Transport{transport.NewMemory(transport.Server, "")},
	})
	requireT.NoError(err)

	errCh := make(chan error, 1)
	go func() {
		_, err := runtime.AwaitConnection(context.Background(), mav.WaitForever)
		errCh <- err
	}()

	cancel()
	_ = runtime.Run(ctx)

	requireT.ErrorIs(<-errCh, mav.ErrConnectionClosed)
}

func TestNewRuntimeValidatesConfig(t *testing.T) {
	requireT := require.New(t)

	_, err := mav.NewRuntime(mav.Config{
		Transports: []transport.Transport{transport.NewMemory(transport.Server, "")},
	})
	requireT.ErrorIs(err, mav.ErrNoDictionary)

	_, err = mav.NewRuntime(mav.Config{
		Dictionary: loadDictionary(requireT),
	})
	requireT.ErrorIs(err, mav.ErrNoTransports)
}
