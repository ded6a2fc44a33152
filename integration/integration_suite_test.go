// Package integration contains end-to-end tests for the Herald sender.
// They run the full pipeline in process on the in-memory backends: plans
// and incidents in, vendor deliveries out.
package integration

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestIntegration(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Herald Integration Suite")
}
