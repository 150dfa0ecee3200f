package connector

import (
	"fmt"
	"strings"

	"github.com/tidesql/lazyrouter/pkg/session"
)

// buildSetVarsStatement implements the SetVars algorithm of spec §4.1 and
// the emission format of §4.4. It returns the assembled SQL (empty if
// there is nothing to set) plus the session-tracker assignments actually
// emitted, for tracing attribution.
func buildSetVarsStatement(ctx *Context) (stmt string, trackerAttrs map[string]string) {
	needSessionTrackers := ctx.ConnectionSharingPossible && ctx.GreetingFromRouter

	var assigns []string
	trackerAttrs = map[string]string{}

	emit := func(name string, v session.Value) {
		assigns = append(assigns, fmt.Sprintf("@@SESSION.%s = %s", name, v.SQL()))
	}

	const trackSystemVars = "session_track_system_variables"

	if needSessionTrackers {
		v, ok := ctx.Store.Get(trackSystemVars)
		if !ok || v.IsNull() {
			v = session.Quoted("*")
		}
		emit(trackSystemVars, v)
		trackerAttrs[trackSystemVars] = v.SQL()
	} else if v, ok := ctx.Store.Get(trackSystemVars); ok {
		// Open question (spec §9): even without sharing, a pre-existing
		// value is still re-emitted first, mirroring client intent.
		emit(trackSystemVars, v)
		trackerAttrs[trackSystemVars] = v.SQL()
	}

	for _, name := range ctx.Store.Names() {
		if name == trackSystemVars || name == session.StatementIDKey {
			continue
		}
		v, _ := ctx.Store.Get(name)
		emit(name, v)
		trackerAttrs[name] = v.SQL()
	}

	if needSessionTrackers {
		defaults := []struct{ name, value string }{
			{"session_track_gtids", "OWN_GTID"},
			{"session_track_transaction_info", "CHARACTERISTICS"},
			{"session_track_state_change", "ON"},
		}
		for _, d := range defaults {
			if ctx.Store.Has(d.name) {
				continue
			}
			v := session.Quoted(d.value)
			emit(d.name, v)
			trackerAttrs[d.name] = v.SQL()
		}
	}

	if len(assigns) == 0 {
		return "", trackerAttrs
	}
	return "SET " + strings.Join(assigns, ",\n    "), trackerAttrs
}
