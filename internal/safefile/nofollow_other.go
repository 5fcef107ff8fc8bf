//go:build !unix

package safefile

// Without O_NOFOLLOW the open follows links; ReadFileMax still rejects
// non-regular targets.
const oNoFollow = 0
