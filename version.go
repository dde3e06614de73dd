package fetchray

// Version is the current release of fetchray.
const Version = "0.3.0"
