// Package example demonstrates how a caller drives a blob end to end: write,
// flush, read, remove. It is not a CLI — see SPEC_FULL.md §1 out of scope.
package example

import (
	"fmt"
	"os"

	"github.com/amrmurad1/smackblob/blob"
	"github.com/amrmurad1/smackblob/recordkey"
)

func Example() {
	dir, err := os.MkdirTemp("", "smackblob-example")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer os.RemoveAll(dir)

	b, err := blob.New(blob.Options{Dir: dir, Prefix: "shard0", CacheSize: 1000})
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer b.Close()

	k := recordkey.NewFromString("hello")
	b.Write(k, []byte("world"))

	v, err := b.Read(k)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(string(v))

	b.Flush()
	v, err = b.Read(k)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(string(v))

	b.Remove(k)
	_, err = b.Read(k)
	fmt.Println(err)

	// Output:
	// world
	// world
	// blob: not found: removed
}
