package squashfs

import "testing"

func TestOptionsValidate(t *testing.T) {
	cases := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"defaults", defaultOptions(), false},
		{"zero readers", Options{Readers: 0, CacheMB: 10}, true},
		{"direct limit without enough cache", Options{Readers: 1, CacheMB: 1, DirectLimit: 1_000_000}, true},
		{"direct limit with enough cache", Options{Readers: 1, CacheMB: 100, DirectLimit: 1_000_000}, false},
	}
	for _, c := range cases {
		err := c.opts.validate()
		if (err != nil) != c.wantErr {
			t.Errorf("%s: validate() = %v, wantErr %v", c.name, err, c.wantErr)
		}
	}
}

func TestOptionsWithDefaultsFillsReaders(t *testing.T) {
	o := Options{CacheMB: 5}.withDefaults()
	if o.Readers != defaultReaders {
		t.Errorf("expected Readers to default to %d, got %d", defaultReaders, o.Readers)
	}
	if o.CacheMB != 5 {
		t.Errorf("expected CacheMB to be left alone, got %d", o.CacheMB)
	}
}
