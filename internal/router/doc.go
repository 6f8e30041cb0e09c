// Package router matches requests against the static route table.
//
// Patterns come in three kinds:
//
//   - exact: /api/v1/health
//   - parameterised: /api/v1/messages/{chat_id}
//   - prefix: /api/v1/files/* or /api/v1/files/
//
// The longest, most specific pattern wins. More literal characters win
// first, so /api/* beats /{section} for /api. Among equally long
// patterns exact beats parameterised beats prefix, then more literal
// segments win. Remaining ties go to the higher priority and then to
// the route declared first. Requests whose method is not in a route's
// method list skip that route.
//
//	r, err := router.New(cfg.Routes)
//	if err != nil {
//	    return err
//	}
//	m, err := r.Match(req)
//	if err != nil {
//	    // util.ErrRouteNotFound
//	}
package router
