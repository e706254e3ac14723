package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/dittofc/internal/cli/output"
	"github.com/marmos91/dittofc/internal/cli/timeutil"
	"github.com/marmos91/dittofc/pkg/fc/exch"
	"github.com/marmos91/dittofc/pkg/fc/fabric"
	"github.com/marmos91/dittofc/pkg/fc/frame"
	"github.com/marmos91/dittofc/pkg/fc/portdb"
	"github.com/marmos91/dittofc/pkg/fc/switchsim"
)

func portsTable(ports []fabric.PortInfo) *output.TableData {
	t := output.NewTableData("Name", "WWPN", "FID", "State", "Topology", "Link", "Sessions")
	for _, p := range ports {
		link := "down"
		if p.LinkUp {
			link = "up"
		}
		t.AddRow(p.Name, p.WWPN.String(), p.FID, p.State, p.Topology, link, strconv.Itoa(p.Sessions))
	}
	return t
}

func sessionsTable(sessions []fabric.SessionInfo) *output.TableData {
	t := output.NewTableData("Port", "Remote FID", "WWPN", "State", "Roles", "Retries", "Max Payload")
	for _, s := range sessions {
		roles := strings.Join(s.Roles, ",")
		if roles == "" {
			roles = "-"
		}
		t.AddRow(s.Port, s.RemoteFID, s.WWPN.String(), s.State, roles,
			strconv.Itoa(s.Retries), strconv.Itoa(int(s.MaxPayload)))
	}
	return t
}

func exchangeStatsPairs(st exch.Stats) [][2]string {
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	return [][2]string{
		{"XID range", fmt.Sprintf("%#04x-%#04x", st.MinXID, st.MaxXID)},
		{"Pools", strconv.Itoa(st.Pools)},
		{"Busy", strconv.Itoa(st.Busy)},
		{"Free", strconv.Itoa(st.Free)},
		{"No free exchange", u(st.NoFreeExch)},
		{"XID not found", u(st.XIDNotFound)},
		{"XID busy", u(st.XIDBusy)},
		{"Sequence not found", u(st.SeqNotFound)},
		{"Non-BLS responses", u(st.NonBLSResp)},
		{"Dropped", u(st.Dropped)},
		{"Aborts", u(st.Aborts)},
		{"Recovery qualifiers", u(st.RecQuals)},
		{"Timeouts", u(st.Timeouts)},
	}
}

func exchangesTable(active []exch.Info) *output.TableData {
	t := output.NewTableData("XID", "OX_ID", "RX_ID", "S_ID", "D_ID", "Role", "Refs", "Status")
	for _, e := range active {
		role := "originator"
		if e.Responder {
			role = "responder"
		}
		t.AddRow(fmt.Sprintf("%#04x", e.XID), fmt.Sprintf("%#04x", e.OXID), fmt.Sprintf("%#04x", e.RXID),
			frame.FormatFID(e.SID), frame.FormatFID(e.DID), role,
			strconv.Itoa(int(e.Refs)), fmt.Sprintf("%#x", e.Status))
	}
	return t
}

func portDBTable(recs []*portdb.Record, now time.Time) *output.TableData {
	t := output.NewTableData("Port", "WWPN", "WWNN", "FID", "Logins", "Last Login")
	for _, r := range recs {
		t.AddRow(r.Port, r.WWPN.String(), r.WWNN.String(), frame.FormatFID(r.FID),
			strconv.FormatUint(r.Logins, 10), timeutil.FormatAge(r.LastLogin, now))
	}
	return t
}

func switchTable(entries []switchsim.Entry) *output.TableData {
	t := output.NewTableData("Port", "FID", "WWPN", "FC-4 Types", "SCR")
	for _, e := range entries {
		types := strings.Join(e.FC4Types, ",")
		if types == "" {
			types = "-"
		}
		t.AddRow(strconv.Itoa(e.Port), e.FID, e.WWPN.String(), types, strconv.FormatBool(e.SCR))
	}
	return t
}
