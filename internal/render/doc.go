// Package render turns a weekly timetable into a PNG.
//
// A Service prepares the layout, fills the HTML template and hands the page to
// an Engine. The Engine owns one headless browser on its own context and
// supervisor, so a caller giving up never interrupts a job that already
// started. Jobs pass through an Admission gate whose ceiling halves on
// failure streaks and grows back slowly on success streaks.
package render
