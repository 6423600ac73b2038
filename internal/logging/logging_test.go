package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestSetLevel(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)

	SetLevel("DEBUG")
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	SetLevel("nonsense")
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
}

func TestModule(t *testing.T) {
	entry := Module("capability")
	assert.Equal(t, "capability", entry.Data["module"])
}
