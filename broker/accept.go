package broker

// acceptVariants is the ordered list of Accept-header permutations tried when
// a server answers 406. Some servers demand a single comma-joined header,
// others separate repetitions; the table captures both families followed by
// each media type alone. The first variant a server accepts is remembered on
// the session so later calls skip the search.
var acceptVariants = [][]string{
	{"application/json, text/event-stream"},
	{"text/event-stream, application/json"},
	{"application/json", "text/event-stream"},
	{"text/event-stream", "application/json"},
	{"application/json"},
	{"text/event-stream"},
}
