package poller

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// agent is a minimal SNMP responder answering GET and GET-NEXT from a fixed
// table. SNMPv1 requests for absent values get a noSuchName error-status with
// the request bindings echoed.
type agent struct {
	conn      *net.UDPConn
	community string
	values    map[string]gosnmp.SnmpPDU
	order     []string
}

func startAgent(t *testing.T, community string, pdus ...gosnmp.SnmpPDU) *agent {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)

	a := &agent{conn: conn, community: community, values: make(map[string]gosnmp.SnmpPDU)}
	for _, pdu := range pdus {
		key := strings.TrimPrefix(pdu.Name, ".")
		a.values[key] = pdu
		a.order = append(a.order, key)
	}
	sort.Slice(a.order, func(i, j int) bool { return compareOIDs(a.order[i], a.order[j]) < 0 })

	go a.serve()
	t.Cleanup(func() { _ = conn.Close() })
	return a
}

func (a *agent) port() uint16 {
	return uint16(a.conn.LocalAddr().(*net.UDPAddr).Port)
}

func (a *agent) serve() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req, err := (&gosnmp.GoSNMP{}).SnmpDecodePacket(buf[:n])
		if err != nil || req.Community != a.community {
			continue
		}

		resp := &gosnmp.SnmpPacket{
			Version:   req.Version,
			Community: req.Community,
			PDUType:   gosnmp.GetResponse,
			RequestID: req.RequestID,
		}
		for i, v := range req.Variables {
			pdu := a.answer(req.PDUType, strings.TrimPrefix(v.Name, "."))
			if req.Version == gosnmp.Version1 && (pdu.Type == gosnmp.NoSuchInstance || pdu.Type == gosnmp.EndOfMibView) {
				resp.Error = gosnmp.NoSuchName
				resp.ErrorIndex = uint8(i + 1)
				resp.Variables = req.Variables
				break
			}
			resp.Variables = append(resp.Variables, pdu)
		}

		raw, err := resp.MarshalMsg()
		if err != nil {
			continue
		}
		_, _ = a.conn.WriteToUDP(raw, addr)
	}
}

func (a *agent) answer(kind gosnmp.PDUType, oid string) gosnmp.SnmpPDU {
	if kind == gosnmp.GetNextRequest {
		for _, candidate := range a.order {
			if compareOIDs(candidate, oid) > 0 {
				return a.values[candidate]
			}
		}
		return gosnmp.SnmpPDU{Name: "." + oid, Type: gosnmp.EndOfMibView}
	}
	if pdu, ok := a.values[oid]; ok {
		return pdu
	}
	return gosnmp.SnmpPDU{Name: "." + oid, Type: gosnmp.NoSuchInstance}
}

func compareOIDs(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		x, _ := strconv.Atoi(as[i])
		y, _ := strconv.Atoi(bs[i])
		if x != y {
			return x - y
		}
	}
	return len(as) - len(bs)
}

func dialAgent(t *testing.T, a *agent, community string) Session {
	t.Helper()
	return dialAgentVersion(t, a, community, gosnmp.Version2c)
}

func dialAgentVersion(t *testing.T, a *agent, community string, version gosnmp.SnmpVersion) Session {
	t.Helper()
	d := NewDialer(Options{Port: a.port(), Timeout: 300 * time.Millisecond, Retries: 0})
	s, err := d.Dial(context.Background(), Target{Address: "127.0.0.1", Community: community, Version: version})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionGet(t *testing.T) {
	a := startAgent(t, "public",
		gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.1.5.0", Type: gosnmp.OctetString, Value: "core-sw1"},
		gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.2.2.1.7.5", Type: gosnmp.Integer, Value: 1},
		gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.2.2.1.14.5", Type: gosnmp.Counter32, Value: uint(3)},
	)
	s := dialAgent(t, a, "public")

	vars, err := s.Get([]string{"1.3.6.1.2.1.1.5.0", "1.3.6.1.2.1.2.2.1.7.5", "1.3.6.1.2.1.2.2.1.14.5", "1.3.6.1.2.1.2.2.1.8.5"})
	require.NoError(t, err)
	require.Len(t, vars, 4)

	assert.Equal(t, "1.3.6.1.2.1.1.5.0", vars[0].OID)
	assert.Equal(t, "core-sw1", vars[0].Text())

	admin, ok := vars[1].Int()
	assert.True(t, ok)
	assert.Equal(t, int64(1), admin)

	errs, ok := vars[2].Uint()
	assert.True(t, ok)
	assert.Equal(t, uint64(3), errs)

	assert.True(t, vars[3].Missing())
}

func TestSessionGetNext(t *testing.T) {
	a := startAgent(t, "public",
		gosnmp.SnmpPDU{Name: ".1.0.8802.1.1.2.1.4.1.1.9.0.5.1", Type: gosnmp.OctetString, Value: "dist-sw2"},
		gosnmp.SnmpPDU{Name: ".1.0.8802.1.1.2.1.4.1.1.7.0.5.1", Type: gosnmp.OctetString, Value: "Gi1/0/48"},
	)
	s := dialAgent(t, a, "public")

	vars, err := s.GetNext([]string{"1.0.8802.1.1.2.1.4.1.1.9", "1.0.8802.1.1.2.1.4.1.1.7"})
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, "1.0.8802.1.1.2.1.4.1.1.9.0.5.1", vars[0].OID)
	assert.Equal(t, "dist-sw2", vars[0].Text())
	assert.Equal(t, "Gi1/0/48", vars[1].Text())
}

func TestSessionV1NoSuchName(t *testing.T) {
	a := startAgent(t, "public",
		gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.2.2.1.14.5", Type: gosnmp.Counter32, Value: uint(0)},
		gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.2.2.1.20.5", Type: gosnmp.Counter32, Value: uint(2)},
		gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.2.2.1.13.5", Type: gosnmp.Counter32, Value: uint(0)},
	)
	s := dialAgentVersion(t, a, "public", gosnmp.Version1)

	t.Run("get_marks_absent_value_missing", func(t *testing.T) {
		vars, err := s.Get([]string{
			"1.3.6.1.2.1.2.2.1.14.5",
			"1.3.6.1.2.1.2.2.1.20.5",
			"1.3.6.1.2.1.2.2.1.13.5",
			"1.3.6.1.2.1.2.2.1.19.5",
		})
		require.NoError(t, err)
		require.Len(t, vars, 4)

		n, ok := vars[1].Uint()
		assert.True(t, ok)
		assert.Equal(t, uint64(2), n)
		assert.False(t, vars[0].Missing())
		assert.False(t, vars[2].Missing())

		assert.Equal(t, "1.3.6.1.2.1.2.2.1.19.5", vars[3].OID)
		assert.Equal(t, gosnmp.NoSuchInstance, vars[3].Type)
		assert.True(t, vars[3].Missing())
	})

	t.Run("get_all_absent", func(t *testing.T) {
		vars, err := s.Get([]string{"1.3.6.1.2.1.2.2.1.7.9", "1.3.6.1.2.1.2.2.1.8.9"})
		require.NoError(t, err)
		require.Len(t, vars, 2)
		assert.True(t, vars[0].Missing())
		assert.True(t, vars[1].Missing())
	})

	t.Run("get_next_past_end", func(t *testing.T) {
		lldp := startAgent(t, "public",
			gosnmp.SnmpPDU{Name: ".1.0.8802.1.1.2.1.4.1.1.9.0.5.1", Type: gosnmp.OctetString, Value: "dist-sw2"},
		)
		vars, err := dialAgentVersion(t, lldp, "public", gosnmp.Version1).GetNext([]string{"1.0.8802.1.1.2.1.4.1.1.9", "1.0.8802.1.1.2.1.4.1.1.9.0.5.1"})
		require.NoError(t, err)
		require.Len(t, vars, 2)
		assert.Equal(t, "dist-sw2", vars[0].Text())
		assert.Equal(t, gosnmp.EndOfMibView, vars[1].Type)
	})
}

func TestSessionTimeout(t *testing.T) {
	a := startAgent(t, "public")
	s := dialAgent(t, a, "wrong")

	start := time.Now()
	_, err := s.Get([]string{"1.3.6.1.2.1.1.5.0"})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestDialValidation(t *testing.T) {
	d := NewDialer(Options{})

	_, err := d.Dial(context.Background(), Target{Community: "public", Version: gosnmp.Version2c})
	assert.Error(t, err)

	_, err = d.Dial(context.Background(), Target{Address: "127.0.0.1", Community: "public", Version: gosnmp.Version3})
	assert.Error(t, err)
}

func TestNewDialerDefaults(t *testing.T) {
	d := NewDialer(Options{Retries: -1})
	assert.Equal(t, uint16(161), d.opts.Port)
	assert.Equal(t, 5*time.Second, d.opts.Timeout)
	assert.Equal(t, 0, d.opts.Retries)
	assert.NotNil(t, d.opts.Logger)
}

func TestSplitTarget(t *testing.T) {
	host, port := splitTarget("192.0.2.1", 161)
	assert.Equal(t, "192.0.2.1", host)
	assert.Equal(t, uint16(161), port)

	host, port = splitTarget("192.0.2.1:1161", 161)
	assert.Equal(t, "192.0.2.1", host)
	assert.Equal(t, uint16(1161), port)

	host, port = splitTarget("[2001:db8::1]:2161", 161)
	assert.Equal(t, "2001:db8::1", host)
	assert.Equal(t, uint16(2161), port)
}

func TestVariable(t *testing.T) {
	tests := []struct {
		name     string
		v        Variable
		wantText string
		wantInt  int64
		intOK    bool
		missing  bool
	}{
		{"integer", Variable{Type: gosnmp.Integer, Value: 7}, "7", 7, true, false},
		{"counter64", Variable{Type: gosnmp.Counter64, Value: uint64(42)}, "42", 42, true, false},
		{"octets", Variable{Type: gosnmp.OctetString, Value: []byte("eth0")}, "eth0", 0, false, false},
		{"no_such_instance", Variable{Type: gosnmp.NoSuchInstance}, "", 0, false, true},
		{"no_such_object", Variable{Type: gosnmp.NoSuchObject}, "", 0, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantText, tt.v.Text())
			assert.Equal(t, tt.missing, tt.v.Missing())
			n, ok := tt.v.Int()
			assert.Equal(t, tt.intOK, ok)
			assert.Equal(t, tt.wantInt, n)
		})
	}

	t.Run("negative_is_not_uint", func(t *testing.T) {
		_, ok := Variable{Type: gosnmp.Integer, Value: -1}.Uint()
		assert.False(t, ok)
	})
}
