// Package cleanup removes job artifacts after execution. Regular files
// are overwritten with random data before unlinking so their contents
// cannot be recovered from the filesystem; directories are walked and
// each regular file inside is wiped the same way.
package cleanup
